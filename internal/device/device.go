// Package device enforces the per-license ceiling on bound browser
// installations.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/licensedesk/licensedesk/internal/audit"
	"github.com/licensedesk/licensedesk/internal/metrics"
	"github.com/licensedesk/licensedesk/internal/model"
	"github.com/licensedesk/licensedesk/internal/store"
)

// ErrDeviceLimitExceeded is returned when a new device would push a license
// past its max_devices.
var ErrDeviceLimitExceeded = errors.New("device limit reached for this license")

// Info describes the device asking to be bound.
type Info struct {
	Name string
	IP   string
}

// Service binds devices to licenses.
type Service struct {
	store  *store.Store
	now    func() time.Time
	logger *slog.Logger
}

// NewService creates a device Service. now may be nil.
func NewService(st *store.Store, now func() time.Time, logger *slog.Logger) *Service {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, now: now, logger: logger}
}

// Bind binds fingerprint to a license, reusing an existing active binding.
// Existing bindings are never displaced to make room.
func (s *Service) Bind(ctx context.Context, licenseID, fingerprint string, info Info) (*model.Device, error) {
	if fingerprint == "" {
		return nil, fmt.Errorf("device fingerprint is required")
	}
	at := s.now().UTC()
	res, err := s.store.BindDevice(ctx, store.BindParams{
		LicenseID:   licenseID,
		Fingerprint: fingerprint,
		Name:        info.Name,
		IP:          info.IP,
		At:          at,
	})
	if errors.Is(err, store.ErrLimitReached) {
		metrics.Get().DeviceBind("limit")
		s.logger.Info("device limit reached", "license_id", licenseID)
		return nil, ErrDeviceLimitExceeded
	}
	if err != nil {
		metrics.Get().DeviceBind("error")
		return nil, err
	}

	if !res.SeatTaken {
		metrics.Get().DeviceBind("reused")
		return &res.Device, nil
	}
	metrics.Get().DeviceBind("bound")

	meta := map[string]any{"device_name": info.Name}
	if res.FirstActivation {
		meta["first_activation"] = true
	}
	if err := audit.Record(ctx, s.store, audit.Entry{
		License:     &res.License,
		Action:      model.ActionDeviceBound,
		Actor:       model.ActorExtension,
		Fingerprint: fingerprint,
		IP:          info.IP,
		Metadata:    meta,
		At:          at,
	}); err != nil {
		return nil, err
	}
	if res.Promoted {
		metrics.Get().StatusChanged(string(model.LicenseActive))
		s.logger.Info("license activated by first device", "license_id", licenseID)
	}
	return &res.Device, nil
}

// Touch refreshes the last-seen time of an active binding. It reports false
// when the device is not bound.
func (s *Service) Touch(ctx context.Context, licenseID, fingerprint, ip string) (bool, error) {
	return s.store.TouchDevice(ctx, licenseID, fingerprint, ip, s.now())
}

// EnforceLimit deactivates the least recently seen bindings of a license that
// exceed its max_devices and returns how many were deactivated.
func (s *Service) EnforceLimit(ctx context.Context, licenseID, actor string) (int, error) {
	lic, err := s.store.GetLicense(ctx, licenseID)
	if err != nil {
		return 0, err
	}
	dropped, err := s.store.DeactivateExcessDevices(ctx, licenseID, lic.MaxDevices)
	if err != nil {
		return 0, err
	}
	if len(dropped) == 0 {
		return 0, nil
	}

	fingerprints := make([]string, 0, len(dropped))
	for _, d := range dropped {
		fingerprints = append(fingerprints, d.Fingerprint)
	}
	err = audit.Record(ctx, s.store, audit.Entry{
		License: lic,
		Action:  model.ActionDeviceLimitEnforced,
		Actor:   actor,
		Metadata: map[string]any{
			"deactivated":  len(dropped),
			"fingerprints": fingerprints,
			"max_devices":  lic.MaxDevices,
		},
		At: s.now(),
	})
	return len(dropped), err
}

// List returns the bindings of a license.
func (s *Service) List(ctx context.Context, licenseID string) ([]model.Device, error) {
	if _, err := s.store.GetLicense(ctx, licenseID); err != nil {
		return nil, err
	}
	return s.store.ListDevices(ctx, licenseID)
}
