// Package devices is the enterprise device registry. Devices announce
// themselves with a public key, heartbeat to stay registered, and age out
// like every other record in the store.
package devices

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ephemera-project/ephemera/internal/logger"
	"github.com/ephemera-project/ephemera/keyspace"
	"github.com/ephemera-project/ephemera/pkg/storage"
)

// RegistrationTTL is refreshed by every heartbeat.
const RegistrationTTL = 24 * time.Hour

// MaxDeviceIDLen bounds client-minted device ids.
const MaxDeviceIDLen = 128

var (
	// ErrInvalidDevice reports malformed registration input.
	ErrInvalidDevice = errors.New("devices: invalid device")

	// ErrDeviceNotFound reports an absent or stale device.
	ErrDeviceNotFound = errors.New("devices: device not found")
)

// Device is one registered device.
type Device struct {
	DeviceID     string    `json:"deviceId"`
	Label        string    `json:"label,omitempty"`
	PublicKeyB64 string    `json:"publicKeyB64"`
	RegisteredAt time.Time `json:"registeredAt"`
	LastSeen     time.Time `json:"lastSeen"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Registry stores devices in the shared KV under their own prefix.
type Registry struct {
	kv  storage.KV
	log logger.Logger

	now func() time.Time
}

// NewRegistry creates a device registry.
func NewRegistry(kv storage.KV, log logger.Logger) *Registry {
	return &Registry{kv: kv, log: log, now: time.Now}
}

// Register creates or refreshes a device entry.
func (r *Registry) Register(ctx context.Context, deviceID, label, publicKeyB64 string) (*Device, error) {
	if deviceID == "" || len(deviceID) > MaxDeviceIDLen {
		return nil, fmt.Errorf("%w: bad device id", ErrInvalidDevice)
	}
	if _, err := base64.StdEncoding.DecodeString(publicKeyB64); err != nil || publicKeyB64 == "" {
		return nil, fmt.Errorf("%w: public key is not base64", ErrInvalidDevice)
	}

	now := r.now()
	dev := &Device{
		DeviceID:     deviceID,
		Label:        label,
		PublicKeyB64: publicKeyB64,
		RegisteredAt: now,
		LastSeen:     now,
		ExpiresAt:    now.Add(RegistrationTTL),
	}

	// A re-registration keeps the original registration time.
	if prev, err := r.Get(ctx, deviceID); err == nil {
		dev.RegisteredAt = prev.RegisteredAt
	}

	if err := r.put(ctx, dev); err != nil {
		return nil, err
	}
	return dev, nil
}

// Get returns a live device.
func (r *Registry) Get(ctx context.Context, deviceID string) (*Device, error) {
	rec, err := r.kv.Get(ctx, keyspace.DeviceKey(deviceID))
	if err != nil {
		return nil, err
	}
	if !storage.Alive(rec, r.now()) {
		if rec != nil {
			_, _ = r.kv.Delete(ctx, keyspace.DeviceKey(deviceID))
		}
		return nil, ErrDeviceNotFound
	}

	var dev Device
	if err := json.Unmarshal(rec.Value, &dev); err != nil {
		return nil, fmt.Errorf("decode device: %w", err)
	}
	return &dev, nil
}

// Heartbeat refreshes a device's liveness window.
func (r *Registry) Heartbeat(ctx context.Context, deviceID string) (*Device, error) {
	dev, err := r.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	now := r.now()
	dev.LastSeen = now
	dev.ExpiresAt = now.Add(RegistrationTTL)
	if err := r.put(ctx, dev); err != nil {
		return nil, err
	}
	return dev, nil
}

// List returns all live devices.
func (r *Registry) List(ctx context.Context) ([]*Device, error) {
	keys, err := r.kv.List(ctx, keyspace.PrefixDevice+"/")
	if err != nil {
		return nil, err
	}

	now := r.now()
	devs := make([]*Device, 0, len(keys))
	for _, key := range keys {
		rec, err := r.kv.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !storage.Alive(rec, now) {
			continue
		}
		var dev Device
		if err := json.Unmarshal(rec.Value, &dev); err != nil {
			r.log.Warn("skipping undecodable device record", logger.Error(err))
			continue
		}
		devs = append(devs, &dev)
	}
	return devs, nil
}

// Delete removes a device. Idempotent.
func (r *Registry) Delete(ctx context.Context, deviceID string) error {
	_, err := r.kv.Delete(ctx, keyspace.DeviceKey(deviceID))
	return err
}

func (r *Registry) put(ctx context.Context, dev *Device) error {
	raw, err := json.Marshal(dev)
	if err != nil {
		return fmt.Errorf("marshal device: %w", err)
	}
	return r.kv.Put(ctx, keyspace.DeviceKey(dev.DeviceID), raw, dev.ExpiresAt)
}
