package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	tokenPath       = "/iot/api/v2/oauth2/token"
	assertionType   = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	activationScope = "oracle/iot/activation"
)

// AccessToken is the bearer credential cached by the channel. It is an
// immutable value: renewal replaces it wholesale, never mutates it.
type AccessToken struct {
	Value     string
	Type      string
	ExpiresAt time.Time
}

func (t *AccessToken) authorization() string {
	typ := t.Type
	if typ == "" {
		typ = "Bearer"
	}
	return typ + " " + t.Value
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type tokenError struct {
	Message     string `json:"message"`
	CurrentTime int64  `json:"currentTime"`
}

// ensureToken returns a valid Authorization header value, renewing the
// cached token first when it is absent or expired. The lock is held for the
// whole renewal, so concurrent callers needing a fresh token trigger exactly
// one renewal request and everyone waiting reuses its result.
func (c *Channel) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", ErrClosed
	}
	if c.token != nil && c.Now().Before(c.token.ExpiresAt) {
		return c.token.authorization(), nil
	}
	return c.renewLocked(ctx)
}

// invalidate drops the cached token, but only if it is still the one that
// just failed. A token renewed by another goroutine in the meantime survives.
func (c *Channel) invalidate(auth string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != nil && c.token.authorization() == auth {
		c.token = nil
	}
}

// renewLocked runs the client_credentials exchange. A 400 carrying the
// server's current time is treated as clock-skew rejection: the correction
// offset is updated and the exchange retried exactly once.
func (c *Channel) renewLocked(ctx context.Context) (string, error) {
	c.token = nil
	scope := ""
	if !c.vault.Activated() {
		scope = activationScope
	}
	for attempt := 0; ; attempt++ {
		assertionJWT, err := c.signer.Assertion()
		if err != nil {
			return "", err
		}
		form := url.Values{}
		form.Set("grant_type", "client_credentials")
		form.Set("client_assertion_type", assertionType)
		form.Set("client_assertion", assertionJWT)
		form.Set("scope", scope)

		body, status, err := c.send(c.tokenRequest(ctx, form))
		if err != nil {
			return "", err
		}
		switch {
		case status == http.StatusOK:
			var tr tokenResponse
			if err := json.Unmarshal(body, &tr); err != nil {
				return "", fmt.Errorf("decode token response: %w", err)
			}
			c.token = &AccessToken{
				Value:     tr.AccessToken,
				Type:      tr.TokenType,
				ExpiresAt: c.Now().Add(time.Duration(tr.ExpiresIn) * time.Second),
			}
			slog.Debug("Access token renewed",
				"scope", scope,
				"expires_in", tr.ExpiresIn)
			return c.token.authorization(), nil

		case status == http.StatusBadRequest && attempt == 0:
			var te tokenError
			if json.Unmarshal(body, &te) == nil && te.CurrentTime > 0 {
				offset := time.Until(time.UnixMilli(te.CurrentTime))
				c.offset.Store(int64(offset))
				slog.Warn("Correcting clock skew reported by server",
					"offset", offset.String())
				continue
			}
			return "", fmt.Errorf("%w: %s", ErrAuthentication, strings.TrimSpace(string(body)))

		case status == http.StatusBadRequest:
			return "", fmt.Errorf("%w: %s", ErrAuthentication, strings.TrimSpace(string(body)))

		default:
			return "", &TransportError{StatusCode: status, Body: string(body)}
		}
	}
}

func (c *Channel) tokenRequest(ctx context.Context, form url.Values) func() (*http.Request, error) {
	return func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.vault.ServerURI()+tokenPath, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		c.identityHeaders(req)
		return req, nil
	}
}
