package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/railsight/railsight/internal/monitoring"
	"github.com/railsight/railsight/internal/vision"
)

// liveEvent is the wire envelope for the /live feed.
type liveEvent struct {
	Type   string                 `json:"type"` // "result" or "alert"
	Result *vision.PipelineResult `json:"result,omitempty"`
	Alert  *vision.CameraAlert    `json:"alert,omitempty"`
}

// Broadcaster fans pipeline results out to websocket dashboard clients. It
// implements pipeline.ResultSink: publishing never blocks, and a client that
// cannot keep up has events dropped from its own queue only.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[*liveClient]struct{}

	drops *monitoring.Counter
}

type liveClient struct {
	events chan liveEvent
}

const liveClientQueueDepth = 64

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[*liveClient]struct{}),
		drops:   monitoring.GetCounter("live_client_drops"),
	}
}

// PublishResult implements pipeline.ResultSink.
func (b *Broadcaster) PublishResult(res *vision.PipelineResult) {
	b.publish(liveEvent{Type: "result", Result: res})
}

// PublishAlert implements pipeline.ResultSink.
func (b *Broadcaster) PublishAlert(alert vision.CameraAlert) {
	b.publish(liveEvent{Type: "alert", Alert: &alert})
}

func (b *Broadcaster) publish(ev liveEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		select {
		case c.events <- ev:
		default:
			b.drops.Inc()
		}
	}
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *Broadcaster) register(c *liveClient) {
	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()
}

func (b *Broadcaster) unregister(c *liveClient) {
	b.mu.Lock()
	delete(b.clients, c)
	b.mu.Unlock()
}

// Handle upgrades the request to a websocket and streams events until the
// client disconnects.
func (b *Broadcaster) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The dashboard may be served from a different origin in dev.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		monitoring.Logf("[Live] websocket accept failed: %v", err)
		return
	}
	defer conn.CloseNow()

	client := &liveClient{events: make(chan liveEvent, liveClientQueueDepth)}
	b.register(client)
	defer b.unregister(client)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev := <-client.events:
			data, err := json.Marshal(ev)
			if err != nil {
				monitoring.Logf("[Live] marshal failed: %v", err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
