// Package audit appends entries to the license activity log.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/licensedesk/licensedesk/internal/metrics"
	"github.com/licensedesk/licensedesk/internal/model"
	"github.com/licensedesk/licensedesk/internal/store"
)

// Entry is one event about a license.
type Entry struct {
	License     *model.License
	Action      string
	Actor       string
	Fingerprint string
	IP          string
	Metadata    map[string]any
	At          time.Time
}

// Record appends e to the activity log.
func Record(ctx context.Context, st *store.Store, e Entry) error {
	entry, err := Build(e)
	if err != nil {
		return err
	}
	if err := st.AppendLog(ctx, entry); err != nil {
		return err
	}
	metrics.Get().LogEntry(e.Action)
	return nil
}

// Build turns e into a log row without writing it, for callers that append
// the row inside their own store transaction.
func Build(e Entry) (*model.LogEntry, error) {
	meta := "{}"
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode log metadata: %w", err)
		}
		meta = string(b)
	}
	actor := e.Actor
	if actor == "" {
		actor = model.ActorSystem
	}

	return &model.LogEntry{
		LicenseID:         e.License.ID,
		LicenseKey:        e.License.Key,
		Action:            e.Action,
		Actor:             actor,
		DeviceFingerprint: e.Fingerprint,
		IPAddress:         e.IP,
		Metadata:          meta,
		CreatedAt:         e.At,
	}, nil
}
