package trust

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func provisionTestVault(t *testing.T) (*Vault, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "device.vault")
	v, err := Provision(path, "secret1", "https://iot.example.com:7002", "ACT-123", "abcd")
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v, path
}

func TestProvisionAndReload(t *testing.T) {
	_, path := provisionTestVault(t)

	v, err := Open(path, "secret1")
	require.NoError(t, err)
	defer v.Close()

	assert.Equal(t, "iot.example.com", v.ServerHost())
	assert.Equal(t, "ACT-123", v.ClientID())
	assert.Equal(t, "abcd", v.SharedSecret())
	assert.Equal(t, 7002, v.ServerPort())
	assert.Equal(t, "https://iot.example.com:7002", v.ServerURI())
	assert.False(t, v.Activated())
}

func TestVaultFileShape(t *testing.T) {
	_, path := provisionTestVault(t)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	assert.Equal(t, byte('1'), raw[0])
	assert.Contains(t, string(raw), "#serverUri:https://iot.example.com:7002\n")
	assert.Contains(t, string(raw), "#clientId:ACT-123\n")

	// The armored body must not leak the secret in clear text.
	assert.NotContains(t, string(raw), "abcd")

	for _, line := range strings.Split(string(raw), "\n") {
		assert.LessOrEqual(t, len(line), 64)
	}
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "absent.vault"), "secret1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenMissingPassword(t *testing.T) {
	_, path := provisionTestVault(t)

	_, err := Open(path, "")
	assert.ErrorIs(t, err, ErrMissingPassword)
}

func TestOpenWrongPassword(t *testing.T) {
	_, path := provisionTestVault(t)

	_, err := Open(path, "not-secret1")
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestOpenUnsupportedVersion(t *testing.T) {
	_, path := provisionTestVault(t)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[0] = '9'
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	_, err = Open(path, "secret1")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestProvisionRefusesOverwrite(t *testing.T) {
	_, path := provisionTestVault(t)

	_, err := Provision(path, "other", "https://other.example.com", "ACT-999", "efgh")
	require.Error(t, err)

	// Original content must survive the refused attempt.
	v, err := Open(path, "secret1")
	require.NoError(t, err)
	defer v.Close()
	assert.Equal(t, "ACT-123", v.ClientID())
}

func TestFullStateSurvivesReload(t *testing.T) {
	v, path := provisionTestVault(t)

	_, err := v.GenerateKeyPair(2048)
	require.NoError(t, err)
	require.NoError(t, v.SetConnectedDeviceSecret("ICD-1", "icd-secret"))
	require.NoError(t, v.SetActivated("EP-42", []byte("anchor-der")))

	reloaded, err := Open(path, "secret1")
	require.NoError(t, err)
	defer reloaded.Close()

	assert.True(t, reloaded.Activated())
	assert.Equal(t, "EP-42", reloaded.EndpointID())
	assert.Equal(t, []byte("anchor-der"), reloaded.TrustAnchor())
	assert.Equal(t, v.Credential(), reloaded.Credential())

	secret, err := reloaded.ConnectedDeviceSecret("ICD-1")
	require.NoError(t, err)
	assert.Equal(t, "icd-secret", secret)

	// The reloaded private key must still produce verifiable signatures.
	sig, err := reloaded.Sign([]byte("payload"))
	require.NoError(t, err)
	key, err := reloaded.PrivateKey()
	require.NoError(t, err)
	digest := sha256.Sum256([]byte("payload"))
	require.NoError(t, rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, digest[:], sig))
}

func TestGenerateKeyPairIsMemoryOnly(t *testing.T) {
	v, path := provisionTestVault(t)

	_, err := v.GenerateKeyPair(2048)
	require.NoError(t, err)

	// Nothing was persisted yet: a reload sees the pre-keypair state.
	reloaded, err := Open(path, "secret1")
	require.NoError(t, err)
	defer reloaded.Close()
	_, err = reloaded.PublicKeyDER()
	assert.ErrorIs(t, err, ErrNoKeyPair)
	assert.False(t, reloaded.Activated())

	// SetActivated is the single write that lands keypair and endpoint id.
	require.NoError(t, v.SetActivated("EP-42", nil))
	activated, err := Open(path, "secret1")
	require.NoError(t, err)
	defer activated.Close()
	_, err = activated.PublicKeyDER()
	require.NoError(t, err)
	assert.True(t, activated.Activated())
}

func TestSignWithoutKeyPair(t *testing.T) {
	v, _ := provisionTestVault(t)

	_, err := v.Sign([]byte("payload"))
	assert.ErrorIs(t, err, ErrNoKeyPair)
	_, err = v.PrivateKey()
	assert.ErrorIs(t, err, ErrNoKeyPair)
	_, err = v.PublicKeyDER()
	assert.ErrorIs(t, err, ErrNoKeyPair)
}

func TestConnectedDeviceSecretNotFound(t *testing.T) {
	v, _ := provisionTestVault(t)

	_, err := v.ConnectedDeviceSecret("ICD-unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConnectedDeviceIDsSorted(t *testing.T) {
	v, _ := provisionTestVault(t)

	require.NoError(t, v.SetConnectedDeviceSecret("ICD-b", "s2"))
	require.NoError(t, v.SetConnectedDeviceSecret("ICD-a", "s1"))

	assert.Equal(t, []string{"ICD-a", "ICD-b"}, v.ConnectedDeviceIDs())
}

func TestCiphertextCorruptionDetected(t *testing.T) {
	_, path := provisionTestVault(t)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	body := dearmor(raw[1:])
	blob, err := base64.StdEncoding.DecodeString(body)
	require.NoError(t, err)

	// Flip a byte at the start, middle, and end of the ciphertext region.
	for _, offset := range []int{16, 16 + (len(blob)-16)/2, len(blob) - 1} {
		tampered := append([]byte(nil), blob...)
		tampered[offset] ^= 0xFF

		rewritten := append([]byte{'1', '\n'}, []byte(armor(tampered))...)
		require.NoError(t, os.WriteFile(path, rewritten, 0o600))

		_, err = Open(path, "secret1")
		assert.Error(t, err, "flip at offset %d", offset)
	}
}

func TestCloseWipesState(t *testing.T) {
	v, _ := provisionTestVault(t)

	require.NoError(t, v.Close())
	require.NoError(t, v.Close())

	assert.Empty(t, v.ClientID())
	assert.ErrorIs(t, v.Store(), ErrClosed)
	assert.ErrorIs(t, v.SetActivated("EP-42", nil), ErrClosed)
	_, err := v.GenerateKeyPair(2048)
	assert.ErrorIs(t, err, ErrClosed)
}
