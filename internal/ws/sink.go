package ws

import (
	"encoding/json"
	"time"

	"github.com/stackport/stackport/internal/domain"
)

// LogSink broadcasts log lines to hub subscribers as JSON frames. It
// satisfies the build pipeline's sink interface.
type LogSink struct {
	hub *Hub
}

// NewLogSink constructs a LogSink over hub.
func NewLogSink(hub *Hub) *LogSink {
	return &LogSink{hub: hub}
}

// Publish implements the pipeline sink.
func (s *LogSink) Publish(ownerID string, line domain.LogLine) {
	payload, err := json.Marshal(map[string]string{
		"owner_id":   ownerID,
		"source":     line.Source,
		"level":      line.Level,
		"message":    line.Message,
		"created_at": line.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}
	s.hub.Broadcast(ownerID, payload)
}
