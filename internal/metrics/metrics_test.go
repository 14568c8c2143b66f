package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(TurnsTotal.WithLabelValues("positive"))
	TurnsTotal.WithLabelValues("positive").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(TurnsTotal.WithLabelValues("positive")))

	before = testutil.ToFloat64(PersistenceErrors.WithLabelValues("append_turn"))
	PersistenceErrors.WithLabelValues("append_turn").Add(2)
	assert.Equal(t, before+2, testutil.ToFloat64(PersistenceErrors.WithLabelValues("append_turn")))
}

func TestHandlerExposesNamespace(t *testing.T) {
	MemoriesPromoted.Inc()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "memoria_memories_promoted_total")
}

func TestServer_ServeAndShutdown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"), goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	srv := NewServer(ln.Addr().String(), nil)
	go func() { done <- srv.Serve(ctx, ln) }()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "ok", strings.TrimSpace(string(body)))

	cancel()
	require.NoError(t, <-done)
}
