package trust

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Credential is the device identity held by a Vault. Before activation only
// the server address, client id, and shared secret are populated; activation
// fills in the endpoint id, the trust anchor certificate, and the keypair.
//
// EndpointID is empty until activation and immutable afterwards. ClientID is
// the activation id and is retained after activation even though the endpoint
// id supersedes it for identity headers.
type Credential struct {
	ServerScheme string
	ServerHost   string
	ServerPort   int
	ClientID     string
	SharedSecret string
	EndpointID   string

	// TrustAnchor is the server-issued certificate in DER form. PrivateKey
	// and PublicKey hold the device keypair as PKCS#8 / PKIX DER. All three
	// are empty until activation.
	TrustAnchor []byte
	PrivateKey  []byte
	PublicKey   []byte

	// ConnectedDeviceSecrets maps the hardware id of an indirectly connected
	// device to its shared secret.
	ConnectedDeviceSecrets map[string]string
}

// ServerURI renders the server address as scheme://host:port.
func (c Credential) ServerURI() string {
	return fmt.Sprintf("%s://%s:%d", c.ServerScheme, c.ServerHost, c.ServerPort)
}

// Activated reports whether the credential carries a server-issued endpoint id.
func (c Credential) Activated() bool { return c.EndpointID != "" }

// clone returns a deep copy so vault callers never alias internal state.
func (c Credential) clone() Credential {
	out := c
	out.TrustAnchor = append([]byte(nil), c.TrustAnchor...)
	out.PrivateKey = append([]byte(nil), c.PrivateKey...)
	out.PublicKey = append([]byte(nil), c.PublicKey...)
	if c.ConnectedDeviceSecrets != nil {
		out.ConnectedDeviceSecrets = make(map[string]string, len(c.ConnectedDeviceSecrets))
		for k, v := range c.ConnectedDeviceSecrets {
			out.ConnectedDeviceSecrets[k] = v
		}
	}
	return out
}

// parseServerURI splits scheme://host[:port] into the credential address
// fields, defaulting the port from the scheme when absent.
func parseServerURI(raw string) (scheme, host string, port int, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", 0, fmt.Errorf("invalid server uri %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Hostname() == "" {
		return "", "", 0, fmt.Errorf("invalid server uri %q: missing scheme or host", raw)
	}
	port = defaultPort(u.Scheme)
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", "", 0, fmt.Errorf("invalid server uri %q: %w", raw, err)
		}
	}
	return u.Scheme, u.Hostname(), port, nil
}

func defaultPort(scheme string) int {
	if scheme == "http" {
		return 80
	}
	return 443
}
