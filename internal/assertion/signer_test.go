package assertion

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKeySource struct {
	clientID   string
	endpointID string
	activated  bool
	secret     string
	key        *rsa.PrivateKey
	icdSecrets map[string]string
}

func (f *fakeKeySource) ClientID() string     { return f.clientID }
func (f *fakeKeySource) EndpointID() string   { return f.endpointID }
func (f *fakeKeySource) Activated() bool      { return f.activated }
func (f *fakeKeySource) SharedSecret() string { return f.secret }

func (f *fakeKeySource) PrivateKey() (*rsa.PrivateKey, error) {
	if f.key == nil {
		return nil, errors.New("no key pair available")
	}
	return f.key, nil
}

func (f *fakeKeySource) ConnectedDeviceSecret(clientID string) (string, error) {
	secret, ok := f.icdSecrets[clientID]
	if !ok {
		return "", errors.New("connected device not found")
	}
	return secret, nil
}

func parseAssertion(t *testing.T, signed, alg string, key any) jwt.MapClaims {
	t.Helper()
	parsed, err := jwt.Parse(signed,
		func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{alg}),
		jwt.WithExpirationRequired(),
	)
	require.NoError(t, err)
	require.True(t, parsed.Valid)
	return parsed.Claims.(jwt.MapClaims)
}

func TestAssertionBeforeActivation(t *testing.T) {
	s := NewSigner(&fakeKeySource{clientID: "ACT-123", secret: "abcd"})

	signed, err := s.Assertion()
	require.NoError(t, err)

	claims := parseAssertion(t, signed, "HS256", []byte("abcd"))
	assert.Equal(t, "ACT-123", claims["iss"])
	assert.Equal(t, "ACT-123", claims["sub"])
	assert.Equal(t, Audience, claims["aud"])
}

func TestAssertionAfterActivation(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	s := NewSigner(&fakeKeySource{
		clientID:   "ACT-123",
		endpointID: "EP-42",
		activated:  true,
		secret:     "abcd",
		key:        key,
	})

	signed, err := s.Assertion()
	require.NoError(t, err)

	claims := parseAssertion(t, signed, "RS256", &key.PublicKey)
	assert.Equal(t, "EP-42", claims["iss"])
	assert.Equal(t, "EP-42", claims["sub"])
}

func TestSharedSecretAssertionForcesHMAC(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	s := NewSigner(&fakeKeySource{
		clientID:   "ACT-123",
		endpointID: "EP-42",
		activated:  true,
		secret:     "abcd",
		key:        key,
	})

	signed, err := s.SharedSecretAssertion()
	require.NoError(t, err)

	// Forced mode keeps the post-activation identity but signs with HMAC.
	claims := parseAssertion(t, signed, "HS256", []byte("abcd"))
	assert.Equal(t, "EP-42", claims["iss"])
}

func TestConnectedDeviceAssertion(t *testing.T) {
	s := NewSigner(&fakeKeySource{
		clientID:   "ACT-123",
		secret:     "abcd",
		icdSecrets: map[string]string{"ICD-1": "icd-secret"},
	})

	signed, err := s.ConnectedDeviceAssertion("ICD-1")
	require.NoError(t, err)

	claims := parseAssertion(t, signed, "HS256", []byte("icd-secret"))
	assert.Equal(t, "ICD-1", claims["iss"])
	assert.Equal(t, "ICD-1", claims["sub"])
}

func TestConnectedDeviceAssertionUnknownDevice(t *testing.T) {
	s := NewSigner(&fakeKeySource{clientID: "ACT-123", secret: "abcd"})

	_, err := s.ConnectedDeviceAssertion("ICD-unknown")
	assert.ErrorIs(t, err, ErrMissingKeyMaterial)
}

func TestAssertionMissingSharedSecret(t *testing.T) {
	s := NewSigner(&fakeKeySource{clientID: "ACT-123"})

	_, err := s.Assertion()
	assert.ErrorIs(t, err, ErrMissingKeyMaterial)
}

func TestAssertionMissingPrivateKey(t *testing.T) {
	s := NewSigner(&fakeKeySource{
		clientID:   "ACT-123",
		endpointID: "EP-42",
		activated:  true,
		secret:     "abcd",
	})

	_, err := s.Assertion()
	assert.ErrorIs(t, err, ErrMissingKeyMaterial)
}

func TestExpirationFollowsInjectedClock(t *testing.T) {
	s := NewSigner(&fakeKeySource{clientID: "ACT-123", secret: "abcd"})
	fixed := time.Now().Add(42 * time.Minute).Truncate(time.Second)
	s.Now = func() time.Time { return fixed }

	signed, err := s.Assertion()
	require.NoError(t, err)

	claims := parseAssertion(t, signed, "HS256", []byte("abcd"))
	exp, err := claims.GetExpirationTime()
	require.NoError(t, err)
	assert.Equal(t, fixed.Add(15*time.Minute).Unix(), exp.Unix())
}
