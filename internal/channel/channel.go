// Package channel provides the authenticated HTTP channel between a device
// and the server. Every call carries identity headers and a cached bearer
// token; the channel owns token renewal, 401/403 resend, clock-skew
// correction, and connection-reset recovery, so callers only see errors that
// local recovery could not absorb.
package channel

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/stratoline/devicelink/internal/assertion"
	"github.com/stratoline/devicelink/internal/trust"
)

const (
	headerActivationID = "X-ActivationId"
	headerEndpointID   = "X-EndpointId"

	requestsPath = "/iot/api/v2/requests"

	defaultReceiveTimeout = 20 * time.Second
	receiveSlack          = 10 * time.Second
)

// Channel is an authenticated HTTP client bound to one vault. Safe for
// concurrent use; at most one token renewal is in flight per instance.
type Channel struct {
	vault  *trust.Vault
	signer *assertion.Signer

	// Client may be replaced before first use, e.g. to add timeouts or a
	// custom TLS configuration.
	Client *http.Client

	mu     sync.Mutex
	token  *AccessToken
	closed bool

	// offset is the server clock minus the local clock, in nanoseconds.
	offset atomic.Int64
}

// New builds a channel over the given vault. If the vault carries a CA trust
// anchor, the underlying TLS configuration verifies the server against it.
func New(vault *trust.Vault) *Channel {
	c := &Channel{
		vault:  vault,
		Client: newHTTPClient(vault.TrustAnchor()),
	}
	c.signer = assertion.NewSigner(vault)
	c.signer.Now = c.Now
	return c
}

// Now is the local clock adjusted by the server-reported correction. The
// assertion signer uses it so exp claims stay valid under clock skew.
func (c *Channel) Now() time.Time {
	return time.Now().Add(time.Duration(c.offset.Load()))
}

// Signer returns the assertion signer sharing this channel's corrected clock.
func (c *Channel) Signer() *assertion.Signer {
	return c.signer
}

func (c *Channel) Get(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *Channel) Post(ctx context.Context, path string, payload []byte) ([]byte, error) {
	return c.do(ctx, http.MethodPost, path, payload)
}

func (c *Channel) Put(ctx context.Context, path string, payload []byte) ([]byte, error) {
	return c.do(ctx, http.MethodPut, path, payload)
}

func (c *Channel) Patch(ctx context.Context, path string, payload []byte) ([]byte, error) {
	return c.do(ctx, http.MethodPatch, path, payload)
}

func (c *Channel) Delete(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodDelete, path, nil)
}

// GetJSON performs a GET and decodes the response body into out.
func (c *Channel) GetJSON(ctx context.Context, path string, out interface{}) error {
	body, err := c.Get(ctx, path)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

// PostJSON performs a POST with a JSON body and, when out is non-nil,
// decodes the response into it.
func (c *Channel) PostJSON(ctx context.Context, path string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request body: %w", err)
	}
	body, err := c.Post(ctx, path, payload)
	if err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

// Receive long-polls the server for pending requests, holding the poll open
// up to timeout. It returns nil bytes with no error when the window expires
// with nothing to deliver.
func (c *Channel) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = defaultReceiveTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout+receiveSlack)
	defer cancel()
	path := fmt.Sprintf("%s?timeout=%d", requestsPath, timeout.Milliseconds())
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, nil
	}
	return body, nil
}

// Disconnect drops the cached token, forcing a renewal on the next call. The
// channel stays usable.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = nil
}

// Close disconnects and releases the vault. Subsequent calls fail with
// ErrClosed.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.token = nil
	c.mu.Unlock()
	c.Client.CloseIdleConnections()
	return c.vault.Close()
}

// do runs one authenticated request. A 401/403 triggers one token renewal
// and one resend; a second auth failure propagates as a TransportError that
// matches ErrAuthentication.
func (c *Channel) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	auth, err := c.ensureToken(ctx)
	if err != nil {
		return nil, err
	}
	body, status, err := c.send(c.request(ctx, method, path, payload, auth))
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		c.invalidate(auth)
		auth, err = c.ensureToken(ctx)
		if err != nil {
			return nil, err
		}
		slog.Debug("Resending request after token renewal",
			"method", method,
			"path", path,
			"status", status)
		body, status, err = c.send(c.request(ctx, method, path, payload, auth))
		if err != nil {
			return nil, err
		}
	}
	if status < 200 || status > 299 {
		return nil, &TransportError{StatusCode: status, Body: string(body)}
	}
	return body, nil
}

func (c *Channel) request(ctx context.Context, method, path string, payload []byte, auth string) func() (*http.Request, error) {
	return func() (*http.Request, error) {
		var body io.Reader = http.NoBody
		if len(payload) > 0 {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.vault.ServerURI()+path, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if len(payload) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		c.identityHeaders(req)
		return req, nil
	}
}

// identityHeaders attaches the header matching the current activation state:
// the activation id before activation, the endpoint id after.
func (c *Channel) identityHeaders(req *http.Request) {
	if c.vault.Activated() {
		req.Header.Set(headerEndpointID, c.vault.EndpointID())
	} else {
		req.Header.Set(headerActivationID, c.vault.ClientID())
	}
}

// send executes one request, rebuilding it for the single retry allowed
// after a connection-reset style failure. TCP-level resets often indicate a
// poisoned connection in the HTTP pool, so idle connections are dropped
// before the retry opens a fresh socket.
func (c *Channel) send(build func() (*http.Request, error)) ([]byte, int, error) {
	retried := false
	for {
		req, err := build()
		if err != nil {
			return nil, 0, err
		}
		resp, err := c.Client.Do(req)
		if err != nil {
			if !retried && isConnReset(err) {
				retried = true
				c.Client.CloseIdleConnections()
				slog.Debug("Retrying after connection reset",
					"method", req.Method,
					"path", req.URL.Path,
					"error", err)
				continue
			}
			return nil, 0, fmt.Errorf("round trip: %w", err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			if !retried && isConnReset(err) {
				retried = true
				c.Client.CloseIdleConnections()
				continue
			}
			return nil, 0, fmt.Errorf("read response: %w", err)
		}
		return body, resp.StatusCode, nil
	}
}

func isConnReset(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.ECONNRESET || errno == syscall.EPIPE
	}
	return false
}

// newHTTPClient verifies the server against the vault's trust anchor when
// one is present and is a CA certificate; a device certificate stored in the
// same slot after activation leaves verification on system roots.
func newHTTPClient(anchorDER []byte) *http.Client {
	if len(anchorDER) == 0 {
		return &http.Client{}
	}
	cert, err := x509.ParseCertificate(anchorDER)
	if err != nil || !cert.IsCA {
		return &http.Client{}
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	return &http.Client{Transport: transport}
}
