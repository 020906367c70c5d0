// Package assertion produces the signed identity assertions exchanged for
// bearer tokens at the OAuth2 token endpoint.
package assertion

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Audience is the fixed aud claim of every assertion.
const Audience = "oracle/iot/oauth2/token"

// lifetime is how far in the future the exp claim is set.
const lifetime = 15 * time.Minute

// ErrMissingKeyMaterial is returned when the key material required by the
// selected signing mode is absent.
var ErrMissingKeyMaterial = errors.New("missing key material for assertion")

// KeySource is the slice of the credential vault the signer reads. A
// *trust.Vault satisfies it.
type KeySource interface {
	ClientID() string
	EndpointID() string
	Activated() bool
	SharedSecret() string
	PrivateKey() (*rsa.PrivateKey, error)
	ConnectedDeviceSecret(clientID string) (string, error)
}

// Signer builds JWT client assertions. The issuer and subject follow the
// activation state: the client id before activation, the endpoint id after.
//
// Now is injectable so the secure channel can fold its server clock
// correction into the exp claim.
type Signer struct {
	keys KeySource
	Now  func() time.Time
}

func NewSigner(keys KeySource) *Signer {
	return &Signer{keys: keys, Now: time.Now}
}

// Assertion signs with the algorithm matching the activation state: HMAC
// over the shared secret while unactivated, RSA with the device key after.
func (s *Signer) Assertion() (string, error) {
	if !s.keys.Activated() {
		return s.hmacAssertion(s.keys.ClientID(), s.keys.SharedSecret())
	}
	key, err := s.keys.PrivateKey()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMissingKeyMaterial, err)
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, s.claims(s.keys.EndpointID())).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign assertion: %w", err)
	}
	return signed, nil
}

// SharedSecretAssertion forces HMAC signing regardless of activation state.
// The issuer still follows the activation state.
func (s *Signer) SharedSecretAssertion() (string, error) {
	id := s.keys.ClientID()
	if s.keys.Activated() {
		id = s.keys.EndpointID()
	}
	return s.hmacAssertion(id, s.keys.SharedSecret())
}

// ConnectedDeviceAssertion signs on behalf of a device enrolled through this
// gateway, using that device's own id and shared secret.
func (s *Signer) ConnectedDeviceAssertion(clientID string) (string, error) {
	secret, err := s.keys.ConnectedDeviceSecret(clientID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMissingKeyMaterial, err)
	}
	return s.hmacAssertion(clientID, secret)
}

func (s *Signer) hmacAssertion(id, secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("%w: no shared secret", ErrMissingKeyMaterial)
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, s.claims(id)).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign assertion: %w", err)
	}
	return signed, nil
}

func (s *Signer) claims(id string) jwt.MapClaims {
	return jwt.MapClaims{
		"iss": id,
		"sub": id,
		"aud": Audience,
		"exp": s.Now().Add(lifetime).Unix(),
	}
}
