// Package simulator is an in-process stand-in for the device cloud: token
// issuing, one-time direct activation backed by an in-memory CA, message
// intake, and long-polled server requests. The agent binary and the system
// tests both run against it.
package simulator

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenAudience     = "oracle/iot/oauth2/token"
	activationScope   = "oracle/iot/activation"
	assertionType     = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	assertionLifetime = 15 * time.Minute
)

var errAssertionExpiry = errors.New("assertion expiry out of window")

// Config tunes a simulator. The zero value is a working default.
type Config struct {
	// Policy is what the activation policy endpoint announces.
	Policy PolicyResponse

	// TokenTTL is the lifetime of issued access tokens.
	TokenTTL time.Duration

	// SkewWindow is how far an assertion expiry may drift from the
	// server clock before the token endpoint rejects it with its
	// current time.
	SkewWindow time.Duration

	// MaxPoll caps the long-poll window of the requests endpoint.
	MaxPoll time.Duration
}

// Server is the simulated cloud. Obtain its http.Handler via Handler and
// drive the device-facing API through it; the exported methods are the
// server-side controls (registering devices, pushing requests, inspecting
// received messages).
type Server struct {
	registry *Registry
	ca       *CA
	tokens   *tokenStore
	inbox    *inbox
	requests *requestQueue

	policy  PolicyResponse
	skew    time.Duration
	maxPoll time.Duration

	engine *gin.Engine
}

func New(cfg Config) (*Server, error) {
	if cfg.Policy.KeyType == "" {
		cfg.Policy = PolicyResponse{KeyType: "RSA", KeySize: 2048, HashAlgorithm: "SHA256withRSA"}
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	if cfg.SkewWindow <= 0 {
		cfg.SkewWindow = 3 * time.Minute
	}
	if cfg.MaxPoll <= 0 {
		cfg.MaxPoll = 30 * time.Second
	}

	ca, err := NewCA()
	if err != nil {
		return nil, err
	}

	s := &Server{
		registry: NewRegistry(),
		ca:       ca,
		tokens:   newTokenStore(cfg.TokenTTL),
		inbox:    newInbox(),
		requests: newRequestQueue(),
		policy:   cfg.Policy,
		skew:     cfg.SkewWindow,
		maxPoll:  cfg.MaxPoll,
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	s.setupRoutes(engine)
	s.engine = engine
	return s, nil
}

func (s *Server) setupRoutes(engine *gin.Engine) {
	engine.GET("/health", s.health)
	engine.POST("/iot/api/v2/oauth2/token", s.issueToken)

	activation := engine.Group("/iot/api/v2/activation", s.requireToken(true))
	activation.GET("/policy", s.activationPolicy)
	activation.POST("/direct", s.directActivation)

	data := engine.Group("/iot/api/v2", s.requireToken(false))
	data.POST("/messages", s.acceptMessages)
	data.GET("/requests", s.pollRequests)

	admin := engine.Group("/admin")
	admin.POST("/devices", s.registerDevice)
	admin.GET("/devices", s.listDevices)
	admin.GET("/messages", s.listMessages)
	admin.POST("/requests", s.enqueueRequest)
	admin.GET("/responses/:id", s.getResponse)
}

// Handler exposes the API for mounting on an http.Server or httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Attach registers the API routes on a caller-provided engine, for binaries
// that bring their own middleware stack.
func (s *Server) Attach(engine *gin.Engine) {
	s.setupRoutes(engine)
}

// RegisterDevice adds a provisioned-but-unactivated device.
func (s *Server) RegisterDevice(activationID, sharedSecret string) error {
	return s.registry.Register(activationID, sharedSecret)
}

// TrustAnchorDER returns the CA certificate for use as a vault trust anchor.
func (s *Server) TrustAnchorDER() []byte {
	return s.ca.CertDER()
}

// TrustAnchorPEM returns the CA certificate in PEM form.
func (s *Server) TrustAnchorPEM() []byte {
	return s.ca.CertPEM()
}

// Devices lists the registry contents.
func (s *Server) Devices() []Device {
	return s.registry.List()
}

// Messages returns every received message in arrival order.
func (s *Server) Messages() []ReceivedMessage {
	return s.inbox.Messages()
}

// MessageBatches returns the received batches, preserving their boundaries.
func (s *Server) MessageBatches() [][]ReceivedMessage {
	return s.inbox.Batches()
}

// PushRequest queues a server-initiated request for the next long poll and
// returns its correlation id.
func (s *Server) PushRequest(req DeviceRequest) string {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	s.requests.Push(req)
	return req.ID
}

// AwaitResponse waits for the RESPONSE message correlated to a pushed
// request.
func (s *Server) AwaitResponse(requestID string, timeout time.Duration) (ReceivedMessage, bool) {
	deadline := time.Now().Add(timeout)
	for {
		if msg, ok := s.inbox.Response(requestID); ok {
			return msg, true
		}
		if time.Now().After(deadline) {
			return ReceivedMessage{}, false
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// requireToken guards a route group with bearer authentication and a scope
// check: activation endpoints take activation-scoped tokens, data endpoints
// take endpoint tokens.
func (s *Server) requireToken(activationScoped bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid authorization header"})
			return
		}

		sess, err := s.tokens.Validate(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if sess.ActivationScope != activationScoped {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "token scope does not cover this endpoint"})
			return
		}

		c.Set("identity", sess.Identity)
		c.Next()
	}
}

func (s *Server) issueToken(c *gin.Context) {
	if c.PostForm("grant_type") != "client_credentials" {
		c.JSON(http.StatusBadRequest, TokenErrorResponse{Message: "unsupported grant type"})
		return
	}
	if c.PostForm("client_assertion_type") != assertionType {
		c.JSON(http.StatusBadRequest, TokenErrorResponse{Message: "unsupported client assertion type"})
		return
	}
	wantActivation := c.PostForm("scope") == activationScope

	dev, err := s.verifyAssertion(c.PostForm("client_assertion"))
	if err != nil {
		if errors.Is(err, errAssertionExpiry) {
			slog.Warn("Rejecting assertion outside the clock window")
			c.JSON(http.StatusBadRequest, TokenErrorResponse{
				Message:     err.Error(),
				CurrentTime: time.Now().UnixMilli(),
			})
			return
		}
		slog.Warn("Client assertion rejected", "error", err)
		c.JSON(http.StatusBadRequest, TokenErrorResponse{Message: err.Error()})
		return
	}

	if wantActivation && dev.Activated {
		c.JSON(http.StatusBadRequest, TokenErrorResponse{Message: "device is already activated"})
		return
	}
	if !wantActivation && !dev.Activated {
		c.JSON(http.StatusBadRequest, TokenErrorResponse{Message: "device is not activated"})
		return
	}

	identity := dev.ActivationID
	if !wantActivation {
		identity = dev.EndpointID
	}
	sess, err := s.tokens.Issue(identity, wantActivation)
	if err != nil {
		slog.Error("Failed to issue access token", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	slog.Debug("Access token issued", "identity", identity, "activation_scope", wantActivation)
	c.JSON(http.StatusOK, TokenResponse{
		AccessToken: sess.Token,
		TokenType:   "Bearer",
		ExpiresIn:   s.tokens.TTLSeconds(),
	})
}

// verifyAssertion checks the client assertion's signature against the
// issuer's registered key material and its expiry against the skew window.
func (s *Server) verifyAssertion(assertion string) (*Device, error) {
	if assertion == "" {
		return nil, errors.New("missing client assertion")
	}

	var dev *Device
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256", "RS256"}),
		jwt.WithoutClaimsValidation(),
	)
	token, err := parser.Parse(assertion, func(t *jwt.Token) (interface{}, error) {
		claims, ok := t.Claims.(jwt.MapClaims)
		if !ok {
			return nil, errors.New("unexpected claims type")
		}
		iss, _ := claims["iss"].(string)
		if iss == "" {
			return nil, errors.New("assertion carries no issuer")
		}
		found, err := s.registry.LookupIdentity(iss)
		if err != nil {
			return nil, fmt.Errorf("unknown client %q", iss)
		}
		dev = found

		switch t.Method.(type) {
		case *jwt.SigningMethodHMAC:
			return []byte(dev.SharedSecret), nil
		case *jwt.SigningMethodRSA:
			if dev.PublicKey == nil {
				return nil, errors.New("device has no registered activation key")
			}
			return dev.PublicKey, nil
		default:
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
	})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(jwt.MapClaims)
	aud, err := claims.GetAudience()
	if err != nil || len(aud) == 0 || aud[0] != tokenAudience {
		return nil, errors.New("assertion audience mismatch")
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, errors.New("assertion carries no expiry")
	}

	now := time.Now()
	if exp.Time.Before(now) || exp.Time.After(now.Add(assertionLifetime+s.skew)) {
		return nil, errAssertionExpiry
	}
	return dev, nil
}

func (s *Server) activationPolicy(c *gin.Context) {
	c.JSON(http.StatusOK, s.policy)
}

func (s *Server) directActivation(c *gin.Context) {
	activationID := c.GetString("identity")

	var req DirectActivationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	dev, err := s.registry.Lookup(activationID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown activation id"})
		return
	}
	if dev.Activated {
		slog.Warn("Repeated activation attempt", "activation_id", activationID)
		c.JSON(http.StatusConflict, gin.H{"error": "device is already activated"})
		return
	}

	pubDER, err := base64.StdEncoding.DecodeString(req.PublicKey)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "public key is not valid base64"})
		return
	}
	parsed, err := x509.ParsePKIXPublicKey(pubDER)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "public key is not valid PKIX"})
		return
	}
	publicKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "public key is not RSA"})
		return
	}
	if publicKey.N.BitLen() < s.policy.KeySize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "public key does not satisfy the activation policy"})
		return
	}

	// The signed request info must open with the activation id, binding
	// the key to the authenticated device.
	if !strings.HasPrefix(req.CertificationRequestInfo, activationID+"\n") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "certification request info does not match the activation id"})
		return
	}
	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "signature is not valid base64"})
		return
	}
	digest := sha256.Sum256([]byte(req.CertificationRequestInfo))
	if err := rsa.VerifyPKCS1v15(publicKey, crypto.SHA256, digest[:], sig); err != nil {
		slog.Warn("Activation signature verification failed", "activation_id", activationID)
		c.JSON(http.StatusBadRequest, gin.H{"error": "signature verification failed"})
		return
	}

	endpointID := uuid.NewString()
	certDER, err := s.ca.IssueDeviceCert(endpointID, publicKey)
	if err != nil {
		slog.Error("Failed to issue device certificate", "error", err, "activation_id", activationID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue device certificate"})
		return
	}

	if err := s.registry.Activate(activationID, endpointID, publicKey, req.DeviceModels); err != nil {
		if errors.Is(err, ErrDeviceActivated) {
			c.JSON(http.StatusConflict, gin.H{"error": "device is already activated"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to activate device"})
		return
	}

	c.JSON(http.StatusOK, DirectActivationResponse{
		EndpointID:    endpointID,
		EndpointState: "ACTIVATED",
		Certificate:   base64.StdEncoding.EncodeToString(certDER),
	})
}

func (s *Server) acceptMessages(c *gin.Context) {
	var batch []ReceivedMessage
	if err := c.ShouldBindJSON(&batch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.inbox.Record(batch)
	slog.Debug("Message batch accepted", "count", len(batch), "endpoint_id", c.GetString("identity"))
	c.JSON(http.StatusAccepted, gin.H{"accepted": len(batch)})
}

func (s *Server) pollRequests(c *gin.Context) {
	endpointID := c.GetString("identity")

	timeout := s.maxPoll
	if raw := c.Query("timeout"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid timeout"})
			return
		}
		if d := time.Duration(ms) * time.Millisecond; d < timeout {
			timeout = d
		}
	}

	reqs := s.requests.Poll(c.Request.Context(), endpointID, timeout)
	if len(reqs) == 0 {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, reqs)
}

func (s *Server) registerDevice(c *gin.Context) {
	var req RegisterDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.registry.Register(req.ActivationID, req.SharedSecret); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, DeviceInfo{ActivationID: req.ActivationID})
}

func (s *Server) listDevices(c *gin.Context) {
	devices := s.registry.List()

	infos := make([]DeviceInfo, len(devices))
	for i, dev := range devices {
		infos[i] = DeviceInfo{
			ActivationID: dev.ActivationID,
			EndpointID:   dev.EndpointID,
			Activated:    dev.Activated,
		}
	}
	c.JSON(http.StatusOK, ListDevicesResponse{Devices: infos, Count: len(infos)})
}

func (s *Server) listMessages(c *gin.Context) {
	msgs := s.inbox.Messages()
	c.JSON(http.StatusOK, ListMessagesResponse{Messages: msgs, Count: len(msgs)})
}

func (s *Server) enqueueRequest(c *gin.Context) {
	var req DeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := s.PushRequest(req)
	c.JSON(http.StatusAccepted, gin.H{"id": id})
}

func (s *Server) getResponse(c *gin.Context) {
	msg, ok := s.inbox.Response(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no response for this request id"})
		return
	}
	c.JSON(http.StatusOK, msg)
}
