package simulator

// Wire shapes of the device-facing API. Field names follow the protocol,
// not Go JSON conventions.

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type TokenErrorResponse struct {
	Message     string `json:"message"`
	CurrentTime int64  `json:"currentTime,omitempty"`
}

type PolicyResponse struct {
	KeyType       string `json:"keyType"`
	KeySize       int    `json:"keySize"`
	HashAlgorithm string `json:"hashAlgorithm"`
}

type DirectActivationRequest struct {
	DeviceModels             []string `json:"deviceModels" binding:"required"`
	PublicKey                string   `json:"publicKey" binding:"required"`
	CertificationRequestInfo string   `json:"certificationRequestInfo" binding:"required"`
	Signature                string   `json:"signature" binding:"required"`
}

type DirectActivationResponse struct {
	EndpointID    string `json:"endpointId"`
	EndpointState string `json:"endpointState"`
	Certificate   string `json:"certificate"`
}

// ReceivedMessage is the envelope shape the messages endpoint accepts.
type ReceivedMessage struct {
	ID          string          `json:"id"`
	ClientID    string          `json:"clientId"`
	Source      string          `json:"source"`
	Destination string          `json:"destination"`
	Priority    string          `json:"priority"`
	Reliability string          `json:"reliability"`
	EventTime   int64           `json:"eventTime"`
	Type        string          `json:"type"`
	Payload     ReceivedPayload `json:"payload"`
}

type ReceivedPayload struct {
	Format      string                 `json:"format"`
	Severity    string                 `json:"severity"`
	Description string                 `json:"description"`
	Data        map[string]interface{} `json:"data"`
	RequestID   string                 `json:"requestId"`
	StatusCode  int                    `json:"statusCode"`
	Headers     map[string]string      `json:"headers"`
	Body        string                 `json:"body"`
}

// DeviceRequest is a server-initiated request delivered through the
// long-poll endpoint.
type DeviceRequest struct {
	ID          string            `json:"id"`
	Source      string            `json:"source,omitempty"`
	Destination string            `json:"destination,omitempty"`
	Method      string            `json:"method"`
	URL         string            `json:"url"`
	Headers     map[string]string `json:"headers,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	Body        string            `json:"body,omitempty"`
}

type RegisterDeviceRequest struct {
	ActivationID string `json:"activation_id" binding:"required"`
	SharedSecret string `json:"shared_secret" binding:"required"`
}

type DeviceInfo struct {
	ActivationID string `json:"activation_id"`
	EndpointID   string `json:"endpoint_id,omitempty"`
	Activated    bool   `json:"activated"`
}

type ListDevicesResponse struct {
	Devices []DeviceInfo `json:"devices"`
	Count   int          `json:"count"`
}

type ListMessagesResponse struct {
	Messages []ReceivedMessage `json:"messages"`
	Count    int               `json:"count"`
}

type HealthResponse struct {
	Status string `json:"status"`
}
