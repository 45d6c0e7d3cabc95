// Package events defines the outbound seams to the notification fan-out and
// audit log, which live outside this service.
package events

import (
	"context"
	"log/slog"

	"github.com/stackport/stackport/internal/domain"
)

// Emitter receives deployment outcome events for external fan-out.
type Emitter interface {
	Emit(ctx context.Context, event domain.Event)
}

// AuditSink receives audit-worthy action facts.
type AuditSink interface {
	Record(ctx context.Context, fact domain.AuditFact)
}

// LogEmitter writes events to the structured log. It stands in until a real
// delivery collaborator is attached.
type LogEmitter struct {
	log *slog.Logger
}

// NewLogEmitter constructs a LogEmitter.
func NewLogEmitter(log *slog.Logger) *LogEmitter {
	return &LogEmitter{log: log}
}

// Emit implements Emitter.
func (e *LogEmitter) Emit(ctx context.Context, event domain.Event) {
	e.log.Info("domain event",
		"type", event.Type,
		"deployment_id", event.Deployment.ID,
		"project_id", event.Deployment.ProjectID,
		"environment", event.Environment,
		"url", event.URL,
		"error", event.Error,
	)
}

// LogAuditSink writes audit facts to the structured log.
type LogAuditSink struct {
	log *slog.Logger
}

// NewLogAuditSink constructs a LogAuditSink.
func NewLogAuditSink(log *slog.Logger) *LogAuditSink {
	return &LogAuditSink{log: log}
}

// Record implements AuditSink.
func (s *LogAuditSink) Record(ctx context.Context, fact domain.AuditFact) {
	attrs := []any{
		"action", fact.Action,
		"actor_id", fact.ActorID,
		"project_id", fact.ProjectID,
		"entity_id", fact.EntityID,
	}
	for key, value := range fact.Detail {
		attrs = append(attrs, "detail_"+key, value)
	}
	s.log.Info("audit", attrs...)
}
