package gateway

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sandboxlabs/sandboxd/pkg/control"
	"github.com/sandboxlabs/sandboxd/pkg/lifecycle"
	"github.com/sandboxlabs/sandboxd/pkg/orchestrator"
	"github.com/sandboxlabs/sandboxd/pkg/pool"
	"github.com/sandboxlabs/sandboxd/pkg/sandbox"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, adminKey string) (*Server, *orchestrator.Adapter) {
	t.Helper()
	srv, adapter, _ := newTestServerWithNode(t, adminKey)
	return srv, adapter
}

func newTestServerWithNode(t *testing.T, adminKey string) (*Server, *orchestrator.Adapter, *control.Node) {
	t.Helper()
	n, err := control.NewNode(control.Config{NodeID: "test", BindAddr: "127.0.0.1:0", DataDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, n.Bootstrap())
	t.Cleanup(func() { n.Shutdown() })
	require.Eventually(t, n.IsLeader, 3*time.Second, 10*time.Millisecond)

	adapter := orchestrator.New(n)
	pm := pool.New(adapter, nil, n, pool.Config{
		MaxTotal: 10,
		Kinds: map[sandbox.Kind]pool.KindConfig{
			sandbox.KindExecutor: {Target: 2, NamePrefix: "exec", Image: "executor:latest"},
		},
		BackfillInterval: time.Minute,
	})

	srv := New(adapter, pm, Config{
		ExecutorPort: 8080,
		AdminKey:     adminKey,
		LifecycleConfig: lifecycle.Config{
			PollInterval:    10 * time.Millisecond,
			ProbeTimeout:    50 * time.Millisecond,
			PodReadyTimeout: 200 * time.Millisecond,
		},
	})
	return srv, adapter, n
}

func TestHealthzIsUnauthenticated(t *testing.T) {
	srv, _ := newTestServer(t, "secret")
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminRoutesRejectMissingKey(t *testing.T) {
	srv, _ := newTestServer(t, "secret")
	req := httptest.NewRequest(http.MethodGet, "/v1/pool/status", nil)
	rec := httptest.NewRecorder()
	srv.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPoolStatusReportsTotals(t *testing.T) {
	srv, adapter := newTestServer(t, "")
	_, err := adapter.CreateSandbox(&sandbox.Sandbox{
		Name: "exec-1", Kind: sandbox.KindExecutor, PoolStatus: sandbox.PoolStatusWarm,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/pool/status", nil)
	rec := httptest.NewRecorder()
	srv.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"Warm":1`)
}

func TestAllocateWarmHitStreamsSingleReadyEvent(t *testing.T) {
	srv, adapter := newTestServer(t, "")
	_, err := adapter.CreateSandbox(&sandbox.Sandbox{
		Name: "exec-1", Kind: sandbox.KindExecutor, PoolStatus: sandbox.PoolStatusWarm,
		Phase: sandbox.PhaseRunning, IsReady: true, PodIP: "10.0.0.1",
	})
	require.NoError(t, err)

	body := strings.NewReader(`{"user_id":"u1"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/executor/sandboxes/allocate", body)
	rec := httptest.NewRecorder()
	srv.mux.ServeHTTP(rec, req)

	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	lines := sseDataLines(t, rec.Body.String())
	require.Len(t, lines, 1)
	require.Contains(t, lines[0], `"$type":"Ready"`)
}

func TestAllocateColdFallsBackToCreateAndTracksLifecycle(t *testing.T) {
	srv, _ := newTestServer(t, "")

	body := strings.NewReader(`{"user_id":"u1"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/executor/sandboxes/allocate", body)
	rec := httptest.NewRecorder()
	srv.mux.ServeHTTP(rec, req)

	lines := sseDataLines(t, rec.Body.String())
	require.NotEmpty(t, lines)
	require.Contains(t, lines[0], `"$type":"Created"`)
	last := lines[len(lines)-1]
	require.True(t, strings.Contains(last, `"$type":"Failed"`) || strings.Contains(last, `"$type":"Ready"`))
}

func TestDeleteMissingSandboxIsSuccess(t *testing.T) {
	srv, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodDelete, "/v1/executor/sandboxes/does-not-exist", nil)
	rec := httptest.NewRecorder()
	srv.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestGetUnknownSandboxReturns404(t *testing.T) {
	srv, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/v1/executor/sandboxes/nope", nil)
	rec := httptest.NewRecorder()
	srv.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDebugRaftReportsNotImplementedWhenUnwired(t *testing.T) {
	srv, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/debug/raft", nil)
	rec := httptest.NewRecorder()
	srv.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestDebugRaftReportsLeaderStateWhenWired(t *testing.T) {
	srv, _, n := newTestServerWithNode(t, "")
	srv.SetRaftStatus(n)

	req := httptest.NewRequest(http.MethodGet, "/debug/raft", nil)
	rec := httptest.NewRecorder()
	srv.mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"is_leader":true`)
}

func sseDataLines(t *testing.T, body string) []string {
	t.Helper()
	var out []string
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "data:") {
			out = append(out, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	return out
}
