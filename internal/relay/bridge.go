package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/snapnote/syncrelay/internal/pending"
)

const (
	msgTypePendingStatus   = "PENDING_CHANGES_STATUS"
	msgTypeCheckPending    = "CHECK_PENDING_CHANGES"
	msgTypePendingResponse = "PENDING_CHANGES_RESPONSE"
	msgCleanCaches         = "CLEAN_CACHES"
)

type pendingStateMessage struct {
	Type              string `json:"type"`
	HasPendingChanges bool   `json:"hasPendingChanges"`
}

type bridgeRequest struct {
	Type string `json:"type"`
}

// bridgeWriter is the outbound half of a bridge connection.
type bridgeWriter interface {
	write(ctx context.Context, timeout time.Duration, message any) error
}

// bridgeConn serializes writes: broadcasts and query responses may race on
// the same connection, and the websocket allows one writer at a time.
type bridgeConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *bridgeConn) write(ctx context.Context, timeout time.Duration, message any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return wsjson.Write(writeCtx, c.conn, message)
}

// Bridge makes queue state observable to UI contexts that share no memory
// with the relay. Each context holds its own websocket connection:
// broadcasts fan out to every connected context, while query responses go
// back only on the connection that asked, so concurrent queries never
// cross-deliver. A context that connects after a broadcast receives nothing
// retroactively and is expected to query.
type Bridge struct {
	store        pending.Store
	trimCache    func()
	logger       pending.Logger
	writeTimeout time.Duration

	mu    sync.Mutex
	conns map[string]bridgeWriter
}

func NewBridge(store pending.Store, trimCache func(), logger pending.Logger) *Bridge {
	return &Bridge{
		store:        store,
		trimCache:    trimCache,
		logger:       logger,
		writeTimeout: 5 * time.Second,
		conns:        map[string]bridgeWriter{},
	}
}

func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		b.logf("bridge accept failed: %v", err)
		return
	}
	id := uuid.NewString()
	wrapped := &bridgeConn{conn: conn}
	b.register(id, wrapped)
	defer b.unregister(id)
	defer conn.Close(websocket.StatusNormalClosure, "")

	b.readLoop(r.Context(), id, wrapped)
}

func (b *Bridge) readLoop(ctx context.Context, id string, conn *bridgeConn) {
	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn.conn, &raw); err != nil {
			return
		}
		b.handleMessage(ctx, id, conn, raw)
	}
}

func (b *Bridge) handleMessage(ctx context.Context, id string, conn *bridgeConn, raw json.RawMessage) {
	// Bare-string commands and typed objects are both accepted.
	var command string
	if err := json.Unmarshal(raw, &command); err == nil {
		if command == msgCleanCaches && b.trimCache != nil {
			b.trimCache()
		}
		return
	}
	var req bridgeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		b.logf("bridge %s: unintelligible message", id)
		return
	}
	switch req.Type {
	case msgTypeCheckPending:
		err := conn.write(ctx, b.writeTimeout, pendingStateMessage{
			Type:              msgTypePendingResponse,
			HasPendingChanges: b.store.HasAny(),
		})
		if err != nil {
			b.logf("bridge %s: response write failed: %v", id, err)
		}
	case msgCleanCaches:
		if b.trimCache != nil {
			b.trimCache()
		}
	}
}

// BroadcastPendingState delivers the state message to every currently
// connected context. Delivery is best-effort and unordered across contexts;
// writes fan out concurrently so one stalled context cannot delay the rest.
func (b *Bridge) BroadcastPendingState(hasPending bool) {
	message := pendingStateMessage{
		Type:              msgTypePendingStatus,
		HasPendingChanges: hasPending,
	}
	var wg sync.WaitGroup
	for id, conn := range b.snapshotConns() {
		wg.Add(1)
		go func(id string, conn bridgeWriter) {
			defer wg.Done()
			if err := conn.write(context.Background(), b.writeTimeout, message); err != nil {
				b.logf("bridge %s: broadcast failed: %v", id, err)
			}
		}(id, conn)
	}
	wg.Wait()
}

// ConnectedContexts reports the number of live bridge connections.
func (b *Bridge) ConnectedContexts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *Bridge) register(id string, conn bridgeWriter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[id] = conn
}

func (b *Bridge) unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, id)
}

func (b *Bridge) snapshotConns() map[string]bridgeWriter {
	b.mu.Lock()
	defer b.mu.Unlock()
	snapshot := make(map[string]bridgeWriter, len(b.conns))
	for id, conn := range b.conns {
		snapshot[id] = conn
	}
	return snapshot
}

func (b *Bridge) logf(format string, args ...any) {
	if b.logger == nil {
		return
	}
	b.logger.Printf(format, args...)
}
