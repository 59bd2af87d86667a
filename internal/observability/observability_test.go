package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harun/aleph/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsHandlerExposesDomainMetrics(t *testing.T) {
	SetTransportState("running")
	RecordTransportStart()
	RecordTransportReady("ready", 20*time.Millisecond)
	RecordRemoteCall("call_tool", "timeout", time.Second)
	SetSessions(3)
	RecordHydration("ok", 2)
	RecordBackendResolution("api", "credentials")
	RecordToolCall("get_status", time.Millisecond, true)

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `aleph_transport_state{state="running"} 1`)
	assert.Contains(t, body, `aleph_transport_state{state="failed"} 0`)
	assert.Contains(t, body, `aleph_remote_calls_total{op="call_tool",outcome="timeout"}`)
	assert.Contains(t, body, "aleph_sessions 3")
	assert.Contains(t, body, `aleph_sub_query_backend_resolutions_total{backend="api",rule="credentials"}`)
}

func TestEnsureRegisteredIsIdempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		EnsureRegistered()
		EnsureRegistered()
	})
}

func TestAuditLoggerRecords(t *testing.T) {
	var buf bytes.Buffer
	SetAuditLogger(NewAuditLogger(zerolog.New(&buf)))

	RecordRemoteAudit(context.Background(), "connect", "fs", "connected", map[string]interface{}{"command": "fs-server"})
	RecordTransportAudit(context.Background(), "ensure", "http://127.0.0.1:8585/mcp", "running", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var remote map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &remote))
	assert.Equal(t, "remote", remote["type"])
	assert.Equal(t, "connect", remote["action"])
	assert.Equal(t, "fs", remote["subject"])
	assert.Equal(t, "connected", remote["outcome"])
	assert.Equal(t, "fs-server", remote["command"])

	var transport map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &transport))
	assert.Equal(t, "transport", transport["type"])
	assert.NotContains(t, transport, "trace_id")
}

func TestAuditLoggerTakesIDsFromContext(t *testing.T) {
	var buf bytes.Buffer
	SetAuditLogger(NewAuditLogger(zerolog.New(&buf)))

	ctx := tracing.WithTraceID(context.Background(), "trace-1")
	ctx = tracing.WithRequestID(ctx, "7")
	ctx = tracing.WithSessionID(ctx, "default")
	RecordSessionAudit(ctx, "write_pack", "/tmp/pack.json", "written", map[string]interface{}{"sessions": 2})

	var event map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &event))
	assert.Equal(t, "session", event["type"])
	assert.Equal(t, "trace-1", event["trace_id"])
	assert.Equal(t, "7", event["request_id"])
	assert.Equal(t, "default", event["session_id"])
	assert.Equal(t, float64(2), event["sessions"])
}

func TestInitAuditLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "events.jsonl")
	require.NoError(t, InitAuditLogger(path))

	RecordConfigAudit(context.Background(), "load", "aleph.json", nil)
	require.NoError(t, GetAuditLogger().Close())
	require.NoError(t, GetAuditLogger().Close())
	SetAuditLogger(nil)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"subject":"aleph.json"`)
	assert.Contains(t, string(data), `"outcome":"loaded"`)
}
