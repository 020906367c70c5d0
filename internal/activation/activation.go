// Package activation implements the one-time exchange that turns a
// provisioned device into an activated endpoint: policy fetch, key pair
// generation, signed direct-activation request, and persisting the issued
// endpoint identity.
package activation

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"github.com/stratoline/devicelink/internal/channel"
	"github.com/stratoline/devicelink/internal/trust"
)

const (
	policyPath = "/iot/api/v2/activation/policy"
	directPath = "/iot/api/v2/activation/direct"
)

// Capability URNs registered with every activation in addition to the
// application's own device models.
var capabilityURNs = []string{
	"urn:oracle:iot:dcd:capability:direct_activation",
	"urn:oracle:iot:dcd:capability:diagnostics",
	"urn:oracle:iot:dcd:capability:message_dispatcher",
	"urn:oracle:iot:dcd:capability:device_policy",
}

var (
	// ErrAlreadyActivated is returned when Activate is called on an
	// activated device. Nothing is sent and nothing changes.
	ErrAlreadyActivated = errors.New("device is already activated")

	// ErrPolicyMismatch is returned when the server's activation policy
	// demands key material this client cannot produce.
	ErrPolicyMismatch = errors.New("activation policy requires unsupported key material")
)

// Policy is the server's requirement for the activation key pair.
type Policy struct {
	KeyType       string `json:"keyType"`
	KeySize       int    `json:"keySize"`
	HashAlgorithm string `json:"hashAlgorithm"`
}

type directRequest struct {
	DeviceModels             []string `json:"deviceModels"`
	PublicKey                string   `json:"publicKey"`
	CertificationRequestInfo string   `json:"certificationRequestInfo"`
	Signature                string   `json:"signature"`
}

type directResponse struct {
	EndpointID    string `json:"endpointId"`
	EndpointState string `json:"endpointState"`
	Certificate   string `json:"certificate"`
}

// Protocol drives activation over an authenticated channel. It is a one-shot
// state machine: NOT_ACTIVATED to ACTIVATED, never back.
type Protocol struct {
	vault *trust.Vault
	ch    *channel.Channel
}

func New(vault *trust.Vault, ch *channel.Channel) *Protocol {
	return &Protocol{vault: vault, ch: ch}
}

// Activate runs the activation exchange for the given device model URNs.
// The key pair is held in memory until the server accepts the request, so a
// failure at any step leaves the vault file and the activation state exactly
// as they were.
func (p *Protocol) Activate(ctx context.Context, deviceModels ...string) error {
	if p.vault.Activated() {
		return ErrAlreadyActivated
	}

	var policy Policy
	if err := p.ch.GetJSON(ctx, policyPath, &policy); err != nil {
		return fmt.Errorf("fetch activation policy: %w", err)
	}
	if err := checkPolicy(policy); err != nil {
		return err
	}
	slog.Debug("Activation policy received",
		"key_type", policy.KeyType,
		"key_size", policy.KeySize,
		"hash_algorithm", policy.HashAlgorithm)

	if _, err := p.vault.GenerateKeyPair(policy.KeySize); err != nil {
		return err
	}
	pubDER, err := p.vault.PublicKeyDER()
	if err != nil {
		return err
	}
	pubB64 := base64.StdEncoding.EncodeToString(pubDER)

	// The signed payload binds the activation id to the submitted key.
	info := p.vault.ClientID() + "\n" + pubB64
	sig, err := p.vault.Sign([]byte(info))
	if err != nil {
		return err
	}

	req := directRequest{
		DeviceModels:             withCapabilities(deviceModels),
		PublicKey:                pubB64,
		CertificationRequestInfo: info,
		Signature:                base64.StdEncoding.EncodeToString(sig),
	}
	var resp directResponse
	if err := p.ch.PostJSON(ctx, directPath, req, &resp); err != nil {
		return fmt.Errorf("direct activation: %w", err)
	}
	if resp.EndpointID == "" {
		return errors.New("direct activation response carries no endpoint id")
	}
	cert, err := base64.StdEncoding.DecodeString(resp.Certificate)
	if err != nil {
		return fmt.Errorf("decode activation certificate: %w", err)
	}

	if err := p.vault.SetActivated(resp.EndpointID, cert); err != nil {
		return err
	}
	// Drop the activation-scoped token; the next call authenticates as the
	// endpoint.
	p.ch.Disconnect()

	slog.Info("Device activated",
		"endpoint_id", resp.EndpointID,
		"endpoint_state", resp.EndpointState)
	return nil
}

func checkPolicy(policy Policy) error {
	if policy.KeyType != "RSA" {
		return fmt.Errorf("%w: key type %q", ErrPolicyMismatch, policy.KeyType)
	}
	if policy.KeySize < 2048 {
		return fmt.Errorf("%w: key size %d", ErrPolicyMismatch, policy.KeySize)
	}
	if policy.HashAlgorithm != "SHA256withRSA" {
		return fmt.Errorf("%w: hash algorithm %q", ErrPolicyMismatch, policy.HashAlgorithm)
	}
	return nil
}

func withCapabilities(deviceModels []string) []string {
	out := make([]string, 0, len(deviceModels)+len(capabilityURNs))
	seen := make(map[string]bool)
	for _, urn := range append(append([]string{}, deviceModels...), capabilityURNs...) {
		if urn == "" || seen[urn] {
			continue
		}
		seen[urn] = true
		out = append(out, urn)
	}
	return out
}
