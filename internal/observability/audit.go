package observability

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harun/aleph/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Audit event types
const (
	AuditRemote    = "remote"
	AuditTransport = "transport"
	AuditSession   = "session"
	AuditConfig    = "config"
)

// AuditEvent is one line of the audit log. Subject names what the event is
// about: a remote server ID, a transport URL, a session ID or a config file.
type AuditEvent struct {
	Type      string
	Action    string
	Subject   string
	Outcome   string
	Timestamp time.Time
	Metadata  map[string]interface{}
}

// AuditLogger writes audit events as JSON lines
type AuditLogger struct {
	mu     sync.Mutex
	logger zerolog.Logger
	closer func() error
}

var (
	auditMu   sync.RWMutex
	auditInst *AuditLogger
)

// GetAuditLogger returns the process audit logger. Until InitAuditLogger or
// SetAuditLogger is called, events go to stderr so they never mix with the
// stdio protocol on stdout.
func GetAuditLogger() *AuditLogger {
	auditMu.RLock()
	a := auditInst
	auditMu.RUnlock()
	if a != nil {
		return a
	}

	auditMu.Lock()
	defer auditMu.Unlock()
	if auditInst == nil {
		auditInst = NewAuditLogger(zerolog.New(os.Stderr).With().Str("stream", "audit").Logger())
	}
	return auditInst
}

// InitAuditLogger appends audit events to path, creating its directory
func InitAuditLogger(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}

	a := NewAuditLogger(zerolog.New(file))
	a.closer = file.Close
	SetAuditLogger(a)
	return nil
}

// SetAuditLogger replaces the process audit logger
func SetAuditLogger(a *AuditLogger) {
	auditMu.Lock()
	auditInst = a
	auditMu.Unlock()
}

func NewAuditLogger(logger zerolog.Logger) *AuditLogger {
	return &AuditLogger{logger: logger}
}

// Record writes event. Trace, request and session IDs are taken from ctx,
// and the event is mirrored onto the active span when there is one.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	tc := tracing.FromContext(ctx)

	span := trace.SpanFromContext(ctx)
	if sc := span.SpanContext(); sc.IsValid() {
		if tc.TraceID == "" {
			tc.TraceID = sc.TraceID().String()
		}
		span.AddEvent(event.Type+"."+event.Action, trace.WithAttributes(
			attribute.String("audit.subject", event.Subject),
			attribute.String("audit.outcome", event.Outcome),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Time("time", event.Timestamp).
		Str("type", event.Type).
		Str("action", event.Action).
		Str("subject", event.Subject).
		Str("outcome", event.Outcome)
	if tc.TraceID != "" {
		entry = entry.Str("trace_id", tc.TraceID)
	}
	if tc.RequestID != "" {
		entry = entry.Str("request_id", tc.RequestID)
	}
	if tc.SessionID != "" && tc.SessionID != event.Subject {
		entry = entry.Str("session_id", tc.SessionID)
	}
	if len(event.Metadata) > 0 {
		entry = entry.Fields(event.Metadata)
	}
	entry.Send()
}

// Close releases the audit file, if any
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closer == nil {
		return nil
	}
	err := a.closer()
	a.closer = nil
	return err
}

// RecordRemoteAudit records a remote server connect or close
func RecordRemoteAudit(ctx context.Context, action, serverID, outcome string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     AuditRemote,
		Action:   action,
		Subject:  serverID,
		Outcome:  outcome,
		Metadata: metadata,
	})
}

// RecordTransportAudit records an attempt to bring the HTTP transport up
func RecordTransportAudit(ctx context.Context, action, url, outcome string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     AuditTransport,
		Action:   action,
		Subject:  url,
		Outcome:  outcome,
		Metadata: metadata,
	})
}

// RecordSessionAudit records a memory pack save or hydration
func RecordSessionAudit(ctx context.Context, action, path, outcome string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     AuditSession,
		Action:   action,
		Subject:  path,
		Outcome:  outcome,
		Metadata: metadata,
	})
}

func RecordConfigAudit(ctx context.Context, action, source string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     AuditConfig,
		Action:   action,
		Subject:  source,
		Outcome:  "loaded",
		Metadata: metadata,
	})
}
