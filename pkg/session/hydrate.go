package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/harun/aleph/internal/observability"
	"github.com/harun/aleph/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
)

// payloadSchema describes one session entry of a memory pack. Extra keys
// are allowed.
const payloadSchema = `{
  "type": "object",
  "anyOf": [
    {"required": ["context_id"]},
    {"required": ["session_id"]}
  ],
  "properties": {
    "context_id": {"type": ["string", "number", "null"]},
    "session_id": {"type": ["string", "number", "null"]},
    "created_at": {"type": ["string", "null"]},
    "format":     {"type": ["string", "null"]},
    "context":    {"type": ["string", "null"]},
    "evidence":   {"type": ["array", "null"], "items": {"type": "object"}},
    "variables":  {"type": ["object", "null"]},
    "tasks":      {"type": ["array", "null"], "items": {"type": "object"}}
  }
}`

var (
	payloadSchemaOnce sync.Once
	payloadSchemaVal  *gojsonschema.Schema
	payloadSchemaErr  error
)

func compiledPayloadSchema() (*gojsonschema.Schema, error) {
	payloadSchemaOnce.Do(func() {
		payloadSchemaVal, payloadSchemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(payloadSchema))
	})
	return payloadSchemaVal, payloadSchemaErr
}

// HydratorConfig holds hydrator configuration
type HydratorConfig struct {
	Path     string
	MaxBytes int64
	Store    *Store
	Logger   zerolog.Logger
}

// Hydrator restores sessions from a memory pack
type Hydrator struct {
	path     string
	maxBytes int64
	store    *Store
	logger   zerolog.Logger

	once     sync.Once
	restored int
}

// NewHydrator creates a hydrator for cfg.Path
func NewHydrator(cfg HydratorConfig) *Hydrator {
	return &Hydrator{
		path:     cfg.Path,
		maxBytes: cfg.MaxBytes,
		store:    cfg.Store,
		logger:   cfg.Logger.With().Str("component", "hydrator").Logger(),
	}
}

// Hydrate loads the pack into the store on its first call and returns the
// number of sessions restored. Later calls do nothing and return zero.
// Problems with the pack are logged and never returned.
func (h *Hydrator) Hydrate(ctx context.Context) int {
	ran := false
	h.once.Do(func() {
		ran = true
		h.restored = h.hydrate(ctx)
	})
	if !ran {
		return 0
	}
	return h.restored
}

func (h *Hydrator) hydrate(ctx context.Context) int {
	ctx, span := tracing.StartSpan(ctx, "session", "session.hydrate",
		attribute.String("session.pack_path", h.path),
	)
	logger := tracing.LoggerFromContext(ctx, h.logger).With().Str("path", h.path).Logger()

	if h.store == nil || h.path == "" {
		tracing.EndSpan(span, nil)
		return 0
	}

	sessions, result, err := h.readPack()
	if err != nil {
		if result == "missing" {
			logger.Debug().Msg("No memory pack to load")
		} else {
			logger.Warn().Err(err).Str("result", result).Msg("Skipping memory pack")
		}
		observability.RecordHydration(result, 0)
		tracing.EndSpan(span, nil)
		return 0
	}

	restored := 0
	for i, raw := range sessions {
		sess, err := reconstruct(raw)
		if err != nil {
			logger.Debug().Err(err).Int("index", i).Msg("Skipping memory pack entry")
			continue
		}
		id, inserted := h.store.Register(sess)
		if !inserted {
			logger.Debug().Str("session_id", id).Msg("Session already loaded")
			continue
		}
		restored++
	}

	span.SetAttributes(attribute.Int("session.restored", restored))
	observability.RecordHydration("restored", restored)
	observability.RecordSessionAudit(ctx, "hydrate", h.path, "restored", map[string]interface{}{
		"entries":  len(sessions),
		"restored": restored,
	})
	tracing.EndSpan(span, nil)

	logger.Info().Int("restored", restored).Int("entries", len(sessions)).Msg("Memory pack loaded")
	return restored
}

// readPack returns the raw session entries, or a result label and error
// describing why the pack was ignored.
func (h *Hydrator) readPack() ([]json.RawMessage, string, error) {
	info, err := os.Stat(h.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, "missing", err
		}
		return nil, "unreadable", err
	}
	if !info.Mode().IsRegular() {
		return nil, "unreadable", fmt.Errorf("not a regular file")
	}
	if h.maxBytes > 0 && info.Size() > h.maxBytes {
		return nil, "too_large", fmt.Errorf("pack is %d bytes, limit is %d", info.Size(), h.maxBytes)
	}

	data, err := os.ReadFile(h.path)
	if err != nil {
		return nil, "unreadable", err
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, "invalid", err
	}

	var schema string
	if err := json.Unmarshal(doc["schema"], &schema); err != nil || schema != PackSchema {
		return nil, "schema_mismatch", fmt.Errorf("unexpected schema %s", strings.TrimSpace(string(doc["schema"])))
	}

	var sessions []json.RawMessage
	raw := bytes.TrimSpace(doc["sessions"])
	if len(raw) == 0 || raw[0] != '[' {
		return nil, "invalid", fmt.Errorf("sessions is not a list")
	}
	if err := json.Unmarshal(raw, &sessions); err != nil {
		return nil, "invalid", err
	}
	return sessions, "", nil
}

// reconstruct validates and decodes one pack entry. The returned session
// has an empty ID when neither id key carries a value.
func reconstruct(raw json.RawMessage) (*Session, error) {
	schema, err := compiledPayloadSchema()
	if err != nil {
		return nil, err
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, err
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("invalid session payload: %s", strings.Join(msgs, "; "))
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var p payload
	if err := dec.Decode(&p); err != nil {
		return nil, err
	}

	sess := &Session{
		ID:        firstID(p.ContextID, p.SessionID),
		Format:    p.Format,
		Context:   p.Context,
		Evidence:  p.Evidence,
		Variables: p.Variables,
		Tasks:     p.Tasks,
	}
	if p.CreatedAt != nil {
		sess.CreatedAt = p.CreatedAt.UTC()
	}
	for i := range sess.Tasks {
		status, err := ParseTaskStatus(string(sess.Tasks[i].Status))
		if err != nil {
			return nil, err
		}
		sess.Tasks[i].Status = status
	}
	return sess, nil
}

// firstID returns the first id value that is set and non-empty
func firstID(values ...any) string {
	for _, v := range values {
		switch x := v.(type) {
		case string:
			if x != "" {
				return x
			}
		case json.Number:
			if x != "" && x != "0" {
				return x.String()
			}
		}
	}
	return ""
}
