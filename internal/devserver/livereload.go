package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/wasmbundle/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// LiveReloadPath is the WebSocket endpoint the injected client connects to.
const LiveReloadPath = "/__wasmbundle/livereload"

const (
	MessageReload = "reload"
	MessageError  = "error"

	clientBuffer = 4
	writeTimeout = 5 * time.Second
)

// Message is sent to every connected browser.
type Message struct {
	Type   string   `json:"type"`
	Build  string   `json:"build,omitempty"`
	Errors []string `json:"errors,omitempty"`
}

// ClientScript is prepended to the bundle when live reload is enabled.
const ClientScript = `(() => {
  if (typeof window === "undefined" || typeof WebSocket === "undefined") return;
  const url = (location.protocol === "https:" ? "wss://" : "ws://") + location.host + "` + LiveReloadPath + `";
  let connected = false;
  const connect = () => {
    const ws = new WebSocket(url);
    ws.onopen = () => { if (connected) location.reload(); connected = true; };
    ws.onmessage = (event) => {
      const msg = JSON.parse(event.data);
      if (msg.type === "` + MessageReload + `") location.reload();
      else if (msg.type === "` + MessageError + `") console.error("[wasmbundle] build failed\n" + (msg.errors || []).join("\n"));
    };
    ws.onclose = () => setTimeout(connect, 1000);
  };
  connect();
})();`

// Hub tracks live reload clients and fans messages out to them.
type Hub struct {
	mu      sync.Mutex
	clients map[*liveClient]struct{}
	done    chan struct{}
	once    sync.Once
}

type liveClient struct {
	id   string
	send chan []byte
}

// NewHub returns an empty hub. Close disconnects every client.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*liveClient]struct{}),
		done:    make(chan struct{}),
	}
}

// ServeHTTP upgrades the request and holds the connection until the client
// goes away or the hub is closed. Clients never send data.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := zerolog.Ctx(r.Context())

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to accept live reload connection")
		return
	}
	defer conn.CloseNow()

	c := &liveClient{id: uuid.NewString(), send: make(chan []byte, clientBuffer)}
	if !h.add(c) {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.remove(c)

	log.Debug().Str("client", c.id).Msg("Live reload client connected")

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("client", c.id).Msg("Live reload client disconnected")
			return
		case <-h.done:
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case msg := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				log.Debug().Err(err).Str("client", c.id).Msg("Live reload write failed")
				return
			}
		}
	}
}

func (h *Hub) add(c *liveClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	select {
	case <-h.done:
		return false
	default:
	}

	h.clients[c] = struct{}{}
	telemetry.GetMetrics().LiveReloadClients.Add(context.Background(), 1)
	return true
}

func (h *Hub) remove(c *liveClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		telemetry.GetMetrics().LiveReloadClients.Add(context.Background(), -1)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast queues msg for every client and returns how many received it.
// A client whose buffer is full misses the message.
func (h *Hub) Broadcast(ctx context.Context, msg Message) int {
	b, err := json.Marshal(msg)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("Failed to encode live reload message")
		return 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	sent := 0
	for c := range h.clients {
		select {
		case c.send <- b:
			sent++
		default:
			zerolog.Ctx(ctx).Warn().Str("client", c.id).Msg("Live reload client is not keeping up, dropping message")
		}
	}

	telemetry.GetMetrics().ReloadsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("type", msg.Type)))
	zerolog.Ctx(ctx).Info().Str("type", msg.Type).Str("build", msg.Build).Int("clients", sent).Msg("Live reload broadcast")

	return sent
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.once.Do(func() {
		close(h.done)
	})
}
