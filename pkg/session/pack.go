package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harun/aleph/internal/observability"
	"github.com/harun/aleph/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// PackSchema tags a memory pack document
const PackSchema = "aleph.memory_pack.v1"

// Pack is the persisted memory pack document
type Pack struct {
	Schema    string    `json:"schema"`
	CreatedAt time.Time `json:"created_at"`
	Sessions  []payload `json:"sessions"`
}

// payload is one session as stored in a pack. Both id keys are written so
// older readers keyed on either one find the session.
type payload struct {
	ContextID any            `json:"context_id,omitempty"`
	SessionID any            `json:"session_id,omitempty"`
	CreatedAt *time.Time     `json:"created_at,omitempty"`
	Format    string         `json:"format,omitempty"`
	Context   string         `json:"context,omitempty"`
	Evidence  []Evidence     `json:"evidence,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
	Tasks     []Task         `json:"tasks,omitempty"`
}

func toPayload(s *Session) payload {
	created := s.CreatedAt
	return payload{
		ContextID: s.ID,
		SessionID: s.ID,
		CreatedAt: &created,
		Format:    s.Format,
		Context:   s.Context,
		Evidence:  s.Evidence,
		Variables: s.Variables,
		Tasks:     s.Tasks,
	}
}

// BuildPack assembles a pack from sessions
func BuildPack(sessions []*Session) *Pack {
	p := &Pack{
		Schema:    PackSchema,
		CreatedAt: time.Now().UTC(),
		Sessions:  make([]payload, 0, len(sessions)),
	}
	for _, s := range sessions {
		p.Sessions = append(p.Sessions, toPayload(s))
	}
	return p
}

// WritePack writes sessions to path as a memory pack, replacing any
// existing file atomically. A maxBytes above zero caps the encoded size.
func WritePack(ctx context.Context, path string, sessions []*Session, maxBytes int64) error {
	_, span := tracing.StartSpan(ctx, "session", "session.write_pack",
		attribute.String("session.pack_path", path),
		attribute.Int("session.count", len(sessions)),
	)
	start := time.Now()

	err := writePack(path, BuildPack(sessions), maxBytes)
	tracing.EndSpan(span, err)
	if err != nil {
		observability.RecordSessionAudit(ctx, "write_pack", path, "failed", map[string]interface{}{"error": err.Error()})
		return err
	}

	observability.RecordPackWrite(time.Since(start))
	observability.RecordSessionAudit(ctx, "write_pack", path, "written", map[string]interface{}{"sessions": len(sessions)})
	log.Info().Str("path", path).Int("sessions", len(sessions)).Msg("Memory pack written")
	return nil
}

// SavePack writes every session in store to path
func SavePack(ctx context.Context, path string, store *Store, maxBytes int64) error {
	return WritePack(ctx, path, store.Snapshot(), maxBytes)
}

func writePack(path string, pack *Pack, maxBytes int64) error {
	data, err := json.MarshalIndent(pack, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal memory pack: %w", err)
	}
	data = append(data, '\n')
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return fmt.Errorf("memory pack is %d bytes, limit is %d", len(data), maxBytes)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create pack directory: %w", err)
	}

	file, err := os.CreateTemp(dir, ".memory_pack-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := file.Name()

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to write memory pack: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync file: %w", err)
	}
	file.Close()

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace memory pack: %w", err)
	}
	return nil
}
