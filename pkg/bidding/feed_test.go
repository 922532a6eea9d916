package bidding

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mev-engine/arb-economics/pkg/types"
)

const tipFloorBody = `[{
	"time": "2024-06-01T12:00:00Z",
	"landed_tips_25th_percentile": 0.000005,
	"landed_tips_50th_percentile": 0.00001,
	"landed_tips_75th_percentile": 0.00005,
	"landed_tips_95th_percentile": 0.001,
	"landed_tips_99th_percentile": 0.004,
	"ema_landed_tips_50th_percentile": 0.000012
}]`

func TestHTTPTipFeed_Fetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(tipFloorBody))
	}))
	defer server.Close()

	feed := NewHTTPTipFeed(server.URL, server.Client())
	snapshot, err := feed.FetchTipSnapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC), snapshot.Time.UTC())
	assert.Equal(t, 0.00001, snapshot.P50)
	assert.Equal(t, 0.001, snapshot.P95)
	assert.Equal(t, 0.000012, snapshot.EMA50)
}

func TestHTTPTipFeed_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		errText string
	}{
		{"server error", http.StatusServiceUnavailable, "", "status 503"},
		{"empty array", http.StatusOK, "[]", "empty tip floor"},
		{"malformed", http.StatusOK, "{not json", "failed to decode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewHTTPTipFeed(server.URL, nil).FetchTipSnapshot(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errText)
		})
	}
}

func TestHTTPTipFeed_FeedsOptimizer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(tipFloorBody))
	}))
	defer server.Close()

	o, err := NewOptimizer(nil, NewHTTPTipFeed(server.URL, nil))
	require.NoError(t, err)

	tip, err := o.TipAtPercentile(context.Background(), 75)
	require.NoError(t, err)
	assert.Equal(t, int64(50_000), tip)
}

func newTipStreamServer(t *testing.T, messages ...string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for _, msg := range messages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
		// hold the connection open until the client leaves
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestWSTipFeed_ReceivesSnapshots(t *testing.T) {
	single := strings.Replace(strings.Trim(tipFloorBody, "[]"), "0.00005", "0.00007", 1)
	server := newTipStreamServer(t, "not json", tipFloorBody, single)
	defer server.Close()

	feed := NewWSTipFeed("ws"+strings.TrimPrefix(server.URL, "http"), time.Minute, nil)
	require.NoError(t, feed.Connect(context.Background()))
	defer feed.Close()

	assert.True(t, feed.IsConnected())
	require.Eventually(t, func() bool {
		s, err := feed.FetchTipSnapshot(context.Background())
		return err == nil && s.P75 == 0.00007
	}, 2*time.Second, 10*time.Millisecond)

	health := feed.Health()
	assert.True(t, health.IsHealthy)
	assert.False(t, health.LastMessage.IsZero())
}

func TestWSTipFeed_NoSnapshotYet(t *testing.T) {
	server := newTipStreamServer(t)
	defer server.Close()

	feed := NewWSTipFeed("ws"+strings.TrimPrefix(server.URL, "http"), time.Minute, nil)
	require.NoError(t, feed.Connect(context.Background()))
	defer feed.Close()

	_, err := feed.FetchTipSnapshot(context.Background())
	assert.Error(t, err)
}

func TestWSTipFeed_ConnectFailure(t *testing.T) {
	feed := NewWSTipFeed("ws://127.0.0.1:1/tip_stream", time.Minute, nil)

	err := feed.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, feed.IsConnected())
	assert.Equal(t, 1, feed.Health().ErrorCount)
}

func TestWSTipFeed_FetchDuringSlowHandshake(t *testing.T) {
	// accepts TCP connections but never answers the upgrade request
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		var held []net.Conn
		defer func() {
			for _, conn := range held {
				conn.Close()
			}
		}()
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			held = append(held, conn)
		}
	}()

	feed := NewWSTipFeed("ws://"+listener.Addr().String()+"/tip_stream", time.Minute, nil)

	dialCtx, cancelDial := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancelDial()
	dialed := make(chan error, 1)
	go func() { dialed <- feed.Connect(dialCtx) }()

	// let the dial reach the handshake
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	_, err = feed.FetchTipSnapshot(context.Background())
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.False(t, feed.IsConnected())

	optimizer, err := NewOptimizer(&Config{FetchTimeout: 200 * time.Millisecond}, feed)
	require.NoError(t, err)
	start = time.Now()
	result := optimizer.FetchTipSnapshot(context.Background(), true)
	assert.Equal(t, types.SourceFallback, result.Source)
	assert.Less(t, time.Since(start), time.Second)

	cancelDial()
	assert.Error(t, <-dialed)
}

func TestWSTipFeed_Close(t *testing.T) {
	server := newTipStreamServer(t, tipFloorBody)
	defer server.Close()

	feed := NewWSTipFeed("ws"+strings.TrimPrefix(server.URL, "http"), time.Minute, nil)
	require.NoError(t, feed.Connect(context.Background()))

	require.NoError(t, feed.Close())
	assert.False(t, feed.IsConnected())
	assert.NoError(t, feed.Close())
}

func TestWSTipFeed_MaintainReconnects(t *testing.T) {
	var connections atomic.Int32
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// drop the first connection right away
		if connections.Add(1) == 1 {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(tipFloorBody))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	feed := NewWSTipFeed("ws"+strings.TrimPrefix(server.URL, "http"), time.Minute, nil)
	feed.retryBase = 10 * time.Millisecond
	require.NoError(t, feed.Connect(context.Background()))
	defer feed.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		feed.Maintain(ctx)
	}()

	require.Eventually(t, func() bool {
		_, err := feed.FetchTipSnapshot(context.Background())
		return err == nil && connections.Load() >= 2
	}, 3*time.Second, 10*time.Millisecond)
	assert.True(t, feed.IsConnected())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Maintain did not return after cancel")
	}
}

func TestWSTipFeed_Backoff(t *testing.T) {
	feed := NewWSTipFeed("", 0, nil)

	tests := []struct {
		failures int
		expected time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{4, 8 * time.Second},
		{7, time.Minute},
		{100, time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, feed.backoff(tt.failures), "failures=%d", tt.failures)
	}
}
