package engine

import (
	"context"
	"time"

	"github.com/shelterlink/device-agent/internal/heartbeat"
	"github.com/shelterlink/device-agent/internal/protocol"
	"github.com/shelterlink/device-agent/internal/storage"
	"github.com/shelterlink/device-agent/internal/telemetry"
)

// RequestStore is the persisted state read into every request.
type RequestStore interface {
	GetSetting(key string) (string, bool, error)
	EmergencyContactsCount() (int, error)
	ResetPending() (bool, error)
	PendingAcknowledgements(ctx context.Context) ([]string, error)
	GetLastSuccessfulSync(ctx context.Context) (*storage.SyncRecord, error)
}

// requestBuilder assembles heartbeat and stream requests from a snapshot
// and persisted client state.
type requestBuilder struct {
	deviceID     string
	languageCode string
	store        RequestStore
	modes        ModeController
	collector    heartbeat.SnapshotSource
	readTimeout  time.Duration
}

// BuildRequest implements heartbeat.RequestBuilder. Storage failures fall
// back to empty values rather than blocking the heartbeat.
func (b *requestBuilder) BuildRequest(snap telemetry.Snapshot) *protocol.HeartbeatRequest {
	ctx, cancel := context.WithTimeout(context.Background(), b.readTimeout)
	defer cancel()

	cc := protocol.ClientContext{
		CurrentMode:  b.modes.Mode(),
		LanguageCode: b.languageCode,
		Permissions:  snap.Permissions(),
	}

	if lang, ok, err := b.store.GetSetting(storage.KeyLanguageCode); err != nil {
		log.WithError(err).Warn("Failed to read language setting")
	} else if ok && lang != "" {
		cc.LanguageCode = lang
	}

	if last, err := b.store.GetLastSuccessfulSync(ctx); err != nil {
		log.WithError(err).Warn("Failed to read last sync")
	} else if last != nil {
		cc.LastSyncTimestamp = last.ServerTimestamp
		if cc.LastSyncTimestamp == "" {
			cc.LastSyncTimestamp = protocol.FormatTimestamp(last.StartedAt)
		}
	}

	if acks, err := b.store.PendingAcknowledgements(ctx); err != nil {
		log.WithError(err).Warn("Failed to read acknowledged types")
	} else {
		cc.AcknowledgedSuggestionTypes = acks
	}

	if reset, err := b.store.ResetPending(); err != nil {
		log.WithError(err).Warn("Failed to read history reset flag")
	} else {
		cc.ResetSuggestionHistory = reset
	}

	if n, err := b.store.EmergencyContactsCount(); err != nil {
		log.WithError(err).Warn("Failed to read emergency contacts count")
	} else {
		cc.EmergencyContactsCount = n
	}

	return &protocol.HeartbeatRequest{
		DeviceID:      b.deviceID,
		DeviceStatus:  snap.DeviceStatus(),
		ClientContext: cc,
	}
}

// StreamRequest implements stream.RequestSource with a freshly collected
// snapshot.
func (b *requestBuilder) StreamRequest(ctx context.Context) (*protocol.HeartbeatRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.BuildRequest(b.collector.Collect(ctx)), nil
}
