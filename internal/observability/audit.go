package observability

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Audit event types.
const (
	AuditActor      = "actor"
	AuditRunnerPool = "runner_pool"
	AuditConfig     = "config"
)

// AuditEvent is one lifecycle change worth keeping: an actor created or
// destroyed, a runner pool upserted, a config reload.
type AuditEvent struct {
	Type      string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Subject   string                 `json:"subject,omitempty"` // actor id or pool name
	Action    string                 `json:"action"`
	Status    string                 `json:"status"` // "success", "failure"
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
}

// AuditLogger writes audit events as JSON lines.
type AuditLogger struct {
	logger zerolog.Logger
	mu     sync.Mutex
	file   *os.File
}

var auditInst atomic.Pointer[AuditLogger]

// GetAuditLogger returns the global audit logger. Until InitAuditLogger is
// called events are only attached to the active span.
func GetAuditLogger() *AuditLogger {
	if a := auditInst.Load(); a != nil {
		return a
	}
	a := &AuditLogger{logger: zerolog.Nop()}
	if auditInst.CompareAndSwap(nil, a) {
		return a
	}
	return auditInst.Load()
}

// InitAuditLogger appends audit events to the file at path. A previously
// opened audit file is closed.
func InitAuditLogger(path string) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	prev := auditInst.Swap(&AuditLogger{
		logger: zerolog.New(file).With().Timestamp().Logger(),
		file:   file,
	})
	if prev != nil {
		_ = prev.Close()
	}
	return nil
}

// Record emits an audit event to the log file and as an event on the span
// in ctx.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		event.TraceID = span.SpanContext().TraceID().String()

		span.AddEvent(event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.subject", event.Subject),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("type", event.Type).
		Str("subject", event.Subject).
		Str("action", event.Action).
		Str("status", event.Status)

	if event.TraceID != "" {
		entry = entry.Str("trace_id", event.TraceID)
	}
	if event.Metadata != nil {
		entry = entry.Interface("metadata", event.Metadata)
	}

	entry.Msg("")
}

// Close closes the audit logger's file handle
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		err := a.file.Close()
		a.file = nil
		a.logger = zerolog.Nop()
		return err
	}
	return nil
}

func auditStatus(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// RecordActorAudit records an actor lifecycle action such as "create",
// "destroy", "start" or "stop".
func RecordActorAudit(ctx context.Context, action, actorID string, err error, metadata map[string]interface{}) {
	if err != nil {
		if metadata == nil {
			metadata = map[string]interface{}{}
		}
		metadata["error"] = err.Error()
	}
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     AuditActor,
		Subject:  actorID,
		Action:   action,
		Status:   auditStatus(err),
		Metadata: metadata,
	})
}

// RecordRunnerPoolAudit records a runner pool upsert.
func RecordRunnerPoolAudit(ctx context.Context, pool string, err error) {
	var metadata map[string]interface{}
	if err != nil {
		metadata = map[string]interface{}{"error": err.Error()}
	}
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     AuditRunnerPool,
		Subject:  pool,
		Action:   "upsert",
		Status:   auditStatus(err),
		Metadata: metadata,
	})
}

// RecordConfigAudit records a config change.
func RecordConfigAudit(ctx context.Context, action string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     AuditConfig,
		Action:   action,
		Status:   "success",
		Metadata: metadata,
	})
}
