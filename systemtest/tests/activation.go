package tests

import (
	"context"
	"crypto/x509"
	"path/filepath"
	"testing"
	"time"

	"github.com/stratoline/devicelink/internal/activation"
	"github.com/stratoline/devicelink/internal/trust"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActivation(t *testing.T, env Env) {
	vault, ch := activateDevice(t, env, "ACT-SYS-1")
	defer ch.Close()

	endpointID := vault.EndpointID()

	t.Run("vault holds the issued identity", func(t *testing.T) {
		assert.True(t, vault.Activated())
		assert.NotEmpty(t, endpointID)

		cert, err := x509.ParseCertificate(vault.TrustAnchor())
		require.NoError(t, err)
		assert.Equal(t, endpointID, cert.Subject.CommonName)

		anchor, err := x509.ParseCertificate(env.Sim.TrustAnchorDER())
		require.NoError(t, err)
		assert.NoError(t, cert.CheckSignatureFrom(anchor))
	})

	t.Run("simulator marks the device activated", func(t *testing.T) {
		for _, dev := range env.Sim.Devices() {
			if dev.ActivationID == "ACT-SYS-1" {
				assert.True(t, dev.Activated)
				assert.Equal(t, endpointID, dev.EndpointID)
				return
			}
		}
		t.Fatal("device ACT-SYS-1 not found in simulator registry")
	})

	t.Run("second activation is refused locally", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := activation.New(vault, ch).Activate(ctx, testDeviceModel)
		assert.ErrorIs(t, err, activation.ErrAlreadyActivated)
	})

	t.Run("activated state survives vault reload", func(t *testing.T) {
		path := filepath.Join(env.WorkDir, "ACT-SYS-1.vault")
		reloaded, err := trust.Open(path, vaultPassword)
		require.NoError(t, err)
		defer reloaded.Close()

		assert.True(t, reloaded.Activated())
		assert.Equal(t, endpointID, reloaded.EndpointID())
	})

	t.Run("wrong password does not open the vault", func(t *testing.T) {
		path := filepath.Join(env.WorkDir, "ACT-SYS-1.vault")
		_, err := trust.Open(path, "not-the-password")
		assert.ErrorIs(t, err, trust.ErrDecryptionFailed)
	})
}
