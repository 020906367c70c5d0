package activation

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratoline/devicelink/internal/channel"
	"github.com/stratoline/devicelink/internal/trust"
)

const testModelURN = "urn:test:thermometer"

// fakeCloud serves the token, policy, and direct activation endpoints and
// verifies the submitted signature against the submitted public key.
type fakeCloud struct {
	t            *testing.T
	hits         atomic.Int32
	directStatus int
	lastRequest  atomic.Pointer[directRequest]
}

func (f *fakeCloud) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/iot/api/v2/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		fmt.Fprint(w, `{"access_token":"tok","token_type":"Bearer","expires_in":3600}`)
	})
	mux.HandleFunc("/iot/api/v2/activation/policy", func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		fmt.Fprint(w, `{"keyType":"RSA","keySize":2048,"hashAlgorithm":"SHA256withRSA"}`)
	})
	mux.HandleFunc("/iot/api/v2/activation/direct", func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		if f.directStatus != 0 {
			w.WriteHeader(f.directStatus)
			return
		}
		var req directRequest
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
		f.lastRequest.Store(&req)

		// The signature must verify against the key the device submitted.
		pubDER, err := base64.StdEncoding.DecodeString(req.PublicKey)
		require.NoError(f.t, err)
		pub, err := x509.ParsePKIXPublicKey(pubDER)
		require.NoError(f.t, err)
		sig, err := base64.StdEncoding.DecodeString(req.Signature)
		require.NoError(f.t, err)
		digest := sha256.Sum256([]byte(req.CertificationRequestInfo))
		require.NoError(f.t, rsa.VerifyPKCS1v15(pub.(*rsa.PublicKey), crypto.SHA256, digest[:], sig))

		cert := base64.StdEncoding.EncodeToString([]byte("issued-cert"))
		fmt.Fprintf(w, `{"endpointId":"EP-42","endpointState":"ACTIVATED","certificate":%q}`, cert)
	})
	return mux
}

func newTestProtocol(t *testing.T, cloud *fakeCloud) (*Protocol, *trust.Vault, string) {
	t.Helper()
	srv := httptest.NewServer(cloud.handler())
	t.Cleanup(srv.Close)
	path := filepath.Join(t.TempDir(), "device.vault")
	v, err := trust.Provision(path, "secret1", srv.URL, "ACT-123", "abcd")
	require.NoError(t, err)
	ch := channel.New(v)
	t.Cleanup(func() { ch.Close() })
	return New(v, ch), v, path
}

func TestActivate(t *testing.T) {
	cloud := &fakeCloud{t: t}
	p, v, path := newTestProtocol(t, cloud)

	require.NoError(t, p.Activate(context.Background(), testModelURN))

	assert.True(t, v.Activated())
	assert.Equal(t, "EP-42", v.EndpointID())
	assert.Equal(t, []byte("issued-cert"), v.TrustAnchor())

	req := cloud.lastRequest.Load()
	require.NotNil(t, req)
	assert.Contains(t, req.DeviceModels, testModelURN)
	assert.Contains(t, req.DeviceModels, "urn:oracle:iot:dcd:capability:direct_activation")
	assert.Contains(t, req.DeviceModels, "urn:oracle:iot:dcd:capability:message_dispatcher")

	// The new identity and key pair survive a reload from disk.
	reloaded, err := trust.Open(path, "secret1")
	require.NoError(t, err)
	defer reloaded.Close()
	assert.Equal(t, "EP-42", reloaded.EndpointID())
	_, err = reloaded.PrivateKey()
	require.NoError(t, err)
}

func TestActivateAlreadyActivated(t *testing.T) {
	cloud := &fakeCloud{t: t}
	p, v, _ := newTestProtocol(t, cloud)

	require.NoError(t, p.Activate(context.Background(), testModelURN))
	before := cloud.hits.Load()
	credBefore := v.Credential()

	err := p.Activate(context.Background(), testModelURN)
	assert.ErrorIs(t, err, ErrAlreadyActivated)

	// No network calls, no vault mutations.
	assert.Equal(t, before, cloud.hits.Load())
	assert.Equal(t, credBefore, v.Credential())
}

func TestActivateServerFailureLeavesVaultUntouched(t *testing.T) {
	cloud := &fakeCloud{t: t, directStatus: http.StatusInternalServerError}
	p, v, path := newTestProtocol(t, cloud)

	fileBefore, err := os.ReadFile(path)
	require.NoError(t, err)

	err = p.Activate(context.Background(), testModelURN)
	require.Error(t, err)
	var te *channel.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusInternalServerError, te.StatusCode)

	assert.False(t, v.Activated())
	fileAfter, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, fileBefore, fileAfter)

	// A reload sees the pre-activation state: no endpoint, no key pair.
	reloaded, err := trust.Open(path, "secret1")
	require.NoError(t, err)
	defer reloaded.Close()
	assert.False(t, reloaded.Activated())
	_, err = reloaded.PrivateKey()
	assert.ErrorIs(t, err, trust.ErrNoKeyPair)
}

func TestActivatePolicyMismatch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/iot/api/v2/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token":"tok","token_type":"Bearer","expires_in":3600}`)
	})
	var directHits atomic.Int32
	mux.HandleFunc("/iot/api/v2/activation/policy", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"keyType":"EC","keySize":256,"hashAlgorithm":"SHA256withECDSA"}`)
	})
	mux.HandleFunc("/iot/api/v2/activation/direct", func(w http.ResponseWriter, r *http.Request) {
		directHits.Add(1)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	path := filepath.Join(t.TempDir(), "device.vault")
	v, err := trust.Provision(path, "secret1", srv.URL, "ACT-123", "abcd")
	require.NoError(t, err)
	ch := channel.New(v)
	t.Cleanup(func() { ch.Close() })

	err = New(v, ch).Activate(context.Background(), testModelURN)
	assert.ErrorIs(t, err, ErrPolicyMismatch)
	assert.False(t, v.Activated())
	assert.Equal(t, int32(0), directHits.Load())
}

func TestWithCapabilitiesDeduplicates(t *testing.T) {
	models := withCapabilities([]string{testModelURN, testModelURN, "urn:oracle:iot:dcd:capability:diagnostics"})

	seen := make(map[string]int)
	for _, urn := range models {
		seen[urn]++
	}
	for urn, count := range seen {
		assert.Equal(t, 1, count, "urn %s duplicated", urn)
	}
	assert.Equal(t, testModelURN, models[0])
}
