package simulator

import (
	"crypto/rsa"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrDeviceNotFound   = errors.New("device not found")
	ErrDeviceActivated  = errors.New("device has already been activated")
	ErrDeviceRegistered = errors.New("device is already registered")
)

// Device is one registry entry. A device is created by registration (carrying
// only the activation id and shared secret) and completed by activation,
// which assigns the endpoint id and pins the submitted public key.
type Device struct {
	ActivationID string
	SharedSecret string
	EndpointID   string
	PublicKey    *rsa.PublicKey
	DeviceModels []string
	Activated    bool
	ActivatedAt  time.Time
}

// Registry holds the known devices. Activation is one-time: a second attempt
// for the same activation id fails regardless of the request contents.
type Registry struct {
	mu        sync.RWMutex
	devices   map[string]*Device
	endpoints map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		devices:   make(map[string]*Device),
		endpoints: make(map[string]string),
	}
}

func (r *Registry) Register(activationID, sharedSecret string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.devices[activationID]; exists {
		return ErrDeviceRegistered
	}
	r.devices[activationID] = &Device{
		ActivationID: activationID,
		SharedSecret: sharedSecret,
	}
	slog.Info("Device registered", "activation_id", activationID)
	return nil
}

// Lookup finds a device by activation id.
func (r *Registry) Lookup(activationID string) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dev, exists := r.devices[activationID]
	if !exists {
		return nil, ErrDeviceNotFound
	}
	return dev, nil
}

// LookupEndpoint finds an activated device by endpoint id.
func (r *Registry) LookupEndpoint(endpointID string) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	activationID, exists := r.endpoints[endpointID]
	if !exists {
		return nil, ErrDeviceNotFound
	}
	return r.devices[activationID], nil
}

// LookupIdentity resolves either id form. Shared-secret assertions carry the
// activation id before activation and the endpoint id after it.
func (r *Registry) LookupIdentity(id string) (*Device, error) {
	if dev, err := r.Lookup(id); err == nil {
		return dev, nil
	}
	return r.LookupEndpoint(id)
}

// Activate completes a registration exactly once.
func (r *Registry) Activate(activationID, endpointID string, publicKey *rsa.PublicKey, deviceModels []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, exists := r.devices[activationID]
	if !exists {
		return ErrDeviceNotFound
	}
	if dev.Activated {
		return ErrDeviceActivated
	}
	dev.Activated = true
	dev.EndpointID = endpointID
	dev.PublicKey = publicKey
	dev.DeviceModels = deviceModels
	dev.ActivatedAt = time.Now()
	r.endpoints[endpointID] = activationID

	slog.Info("Device activated", "activation_id", activationID, "endpoint_id", endpointID)
	return nil
}

func (r *Registry) List() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Device, 0, len(r.devices))
	for _, dev := range r.devices {
		result = append(result, *dev)
	}
	return result
}
