package bidding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mev-engine/arb-economics/pkg/types"
)

// DefaultTipStreamURL streams tip floor updates as they are computed
const DefaultTipStreamURL = "wss://bundles.jito.wtf/api/v1/bundles/tip_stream"

const (
	defaultStreamMaxAge = 30 * time.Second
	streamPingInterval  = 30 * time.Second

	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = time.Minute
)

// FeedHealth describes the state of a streaming tip feed
type FeedHealth struct {
	IsHealthy    bool          `json:"is_healthy"`
	LastMessage  time.Time     `json:"last_message"`
	LastPingTime time.Time     `json:"last_ping_time"`
	ResponseTime time.Duration `json:"response_time"`
	ErrorCount   int           `json:"error_count"`
	LastError    string        `json:"last_error,omitempty"`
}

// WSTipFeed keeps the latest snapshot pushed by the tip stream. Snapshots
// older than maxAge are reported as unavailable so the optimizer degrades to
// its cache.
type WSTipFeed struct {
	url    string
	maxAge time.Duration
	logger *zap.Logger

	dialMu sync.Mutex // serializes Connect

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	latest    *types.TipSnapshot
	health    FeedHealth

	writeMu  sync.Mutex
	stopPing chan struct{}
	done     chan struct{}

	retryBase time.Duration
	retryMax  time.Duration
}

// NewWSTipFeed creates a streaming feed. Connect must be called before use.
func NewWSTipFeed(url string, maxAge time.Duration, logger *zap.Logger) *WSTipFeed {
	if url == "" {
		url = DefaultTipStreamURL
	}
	if maxAge <= 0 {
		maxAge = defaultStreamMaxAge
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSTipFeed{
		url:       url,
		maxAge:    maxAge,
		logger:    logger,
		retryBase: reconnectBaseDelay,
		retryMax:  reconnectMaxDelay,
	}
}

// Connect dials the stream and starts the read and ping loops. The dial
// runs outside the state lock so snapshot reads never wait on a handshake.
func (f *WSTipFeed) Connect(ctx context.Context) error {
	f.dialMu.Lock()
	defer f.dialMu.Unlock()

	f.mu.Lock()
	if f.connected {
		f.mu.Unlock()
		return nil
	}
	dead := f.conn
	if dead != nil {
		// the read loop exited; release the dead connection
		if f.stopPing != nil {
			close(f.stopPing)
			f.stopPing = nil
		}
		f.conn = nil
	}
	f.mu.Unlock()
	if dead != nil {
		_ = dead.Close()
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 30 * time.Second,
		ReadBufferSize:   1024 * 16,
		WriteBufferSize:  1024 * 16,
	}

	conn, _, err := dialer.DialContext(ctx, f.url, http.Header{
		"User-Agent": []string{"arb-engine/1.0"},
	})
	if err != nil {
		f.mu.Lock()
		f.health.LastError = err.Error()
		f.health.ErrorCount++
		f.mu.Unlock()
		return fmt.Errorf("failed to connect to tip stream: %w", err)
	}

	conn.SetPongHandler(func(string) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.health.ResponseTime = time.Since(f.health.LastPingTime)
		f.health.IsHealthy = true
		return nil
	})

	stopPing := make(chan struct{})
	done := make(chan struct{})

	f.mu.Lock()
	f.conn = conn
	f.connected = true
	f.health.IsHealthy = true
	f.health.ErrorCount = 0
	f.health.LastError = ""
	f.stopPing = stopPing
	f.done = done
	f.mu.Unlock()

	go f.pingLoop(stopPing)
	go f.readMessages(conn, done)

	f.logger.Info("tip stream connected", zap.String("url", f.url))
	return nil
}

// Maintain redials a dropped stream until ctx ends. Failed dials back off
// exponentially from one second up to a minute.
func (f *WSTipFeed) Maintain(ctx context.Context) {
	failures := 0
	for {
		if !f.IsConnected() {
			if err := f.Connect(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				failures++
				f.logger.Warn("tip stream reconnect failed",
					zap.Int("failures", failures),
					zap.Duration("retry_in", f.backoff(failures)),
					zap.Error(err))
			} else {
				if failures > 0 {
					f.logger.Info("tip stream reconnected", zap.Int("failures", failures))
				}
				failures = 0
			}
		}

		timer := time.NewTimer(f.backoff(failures))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// backoff returns the wait before the next dial. With no failures it is the
// interval at which a live connection is checked.
func (f *WSTipFeed) backoff(failures int) time.Duration {
	if failures <= 0 {
		return f.retryBase
	}
	delay := float64(f.retryBase) * math.Pow(2, float64(failures-1))
	if delay >= float64(f.retryMax) {
		return f.retryMax
	}
	return time.Duration(delay)
}

// FetchTipSnapshot implements interfaces.TipFeed
func (f *WSTipFeed) FetchTipSnapshot(ctx context.Context) (types.TipSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return types.TipSnapshot{}, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.latest == nil {
		return types.TipSnapshot{}, fmt.Errorf("tip stream has not delivered a snapshot")
	}
	if age := time.Since(f.health.LastMessage); age > f.maxAge {
		return types.TipSnapshot{}, fmt.Errorf("tip stream snapshot is stale (%s old)", age.Round(time.Millisecond))
	}
	return *f.latest, nil
}

// Health returns the current stream health
func (f *WSTipFeed) Health() FeedHealth {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.health
}

// IsConnected returns whether the stream is open
func (f *WSTipFeed) IsConnected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

// Close stops the loops and closes the connection
func (f *WSTipFeed) Close() error {
	f.mu.Lock()
	if !f.connected && f.conn == nil {
		f.mu.Unlock()
		return nil
	}
	conn, done := f.conn, f.done
	if f.stopPing != nil {
		close(f.stopPing)
		f.stopPing = nil
	}
	f.conn = nil
	f.connected = false
	f.health.IsHealthy = false
	f.mu.Unlock()

	var err error
	if conn != nil {
		f.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		f.writeMu.Unlock()
		err = conn.Close()
	}
	if done != nil {
		<-done
	}
	return err
}

func (f *WSTipFeed) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.sendPing()
		case <-stop:
			return
		}
	}
}

func (f *WSTipFeed) sendPing() {
	f.mu.Lock()
	conn := f.conn
	if conn == nil {
		f.health.IsHealthy = false
		f.mu.Unlock()
		return
	}
	f.health.LastPingTime = time.Now()
	f.mu.Unlock()

	f.writeMu.Lock()
	err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
	f.writeMu.Unlock()

	if err != nil {
		f.mu.Lock()
		f.health.LastError = err.Error()
		f.health.ErrorCount++
		f.health.IsHealthy = false
		f.mu.Unlock()
	}
}

func (f *WSTipFeed) readMessages(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	defer func() {
		f.mu.Lock()
		f.connected = false
		f.health.IsHealthy = false
		f.mu.Unlock()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			f.mu.Lock()
			if f.conn != nil {
				f.health.LastError = err.Error()
				f.health.ErrorCount++
			}
			f.mu.Unlock()
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				f.logger.Warn("tip stream closed unexpectedly", zap.Error(err))
			}
			return
		}

		snapshot, err := decodeTipMessage(message)
		if err != nil {
			f.logger.Debug("skipping malformed tip stream message", zap.Error(err))
			continue
		}

		f.mu.Lock()
		f.latest = &snapshot
		f.health.LastMessage = time.Now()
		f.health.IsHealthy = true
		f.mu.Unlock()
	}
}

// decodeTipMessage accepts either a single entry or the array form used by
// the REST endpoint
func decodeTipMessage(message []byte) (types.TipSnapshot, error) {
	trimmed := bytes.TrimSpace(message)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var entries []tipFloorEntry
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return types.TipSnapshot{}, err
		}
		if len(entries) == 0 {
			return types.TipSnapshot{}, fmt.Errorf("%w: empty message", ErrInvalidSnapshot)
		}
		return entries[0].snapshot(), nil
	}

	var entry tipFloorEntry
	if err := json.Unmarshal(trimmed, &entry); err != nil {
		return types.TipSnapshot{}, err
	}
	return entry.snapshot(), nil
}
