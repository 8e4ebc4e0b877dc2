package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"bpmncollab/internal/metrics"
	"bpmncollab/internal/models"
	"bpmncollab/internal/session"
	"bpmncollab/internal/utils"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	defaultMaxMessageBytes = 4 << 20
)

type Options struct {
	SendQueueSize   int
	MaxMessageBytes int64
	AllowedOrigins  []string
}

type Handlers struct {
	log      *utils.Logger
	hub      *session.Hub
	opts     Options
	upgrader websocket.Upgrader
}

func NewHandlers(log *utils.Logger, hub *session.Hub, opts Options) *Handlers {
	if opts.SendQueueSize > 0 && opts.SendQueueSize < session.MinSendQueueSize {
		opts.SendQueueSize = session.MinSendQueueSize
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = defaultMaxMessageBytes
	}
	return &Handlers{
		log:  log,
		hub:  hub,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(opts.AllowedOrigins),
		},
	}
}

func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

/*** Collab WebSocket: one shared diagram, roster and locks ***/

// CollabWS upgrades the request, registers the connection with the hub and
// serves it until the peer goes away.
func (h *Handlers) CollabWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err.Error())
		return
	}
	defer conn.Close()

	client := session.NewClient(conn, h.opts.SendQueueSize)
	id := h.hub.Connect(client)
	defer h.hub.Disconnect(id)

	log := h.log.With("clientId", id, "remote", r.RemoteAddr)
	go h.writePump(client, log)
	h.readPump(client, log)
}

// readPump feeds the client's frames to the hub in the order they arrive.
// Bad frames are logged and skipped; any read error ends the connection.
func (h *Handlers) readPump(client *session.Client, log *utils.Logger) {
	conn := client.Conn()
	conn.SetReadLimit(h.opts.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Warn("websocket read failed", "error", err.Error())
			}
			return
		}

		env, err := models.ParseEnvelope(msg)
		if err != nil {
			metrics.ObserveMessage("invalid", metrics.OutcomeMalformed)
			log.Warn("dropping malformed message", "error", err.Error())
			continue
		}
		h.hub.HandleMessage(client.ID(), env)
	}
}

// writePump drains the client's queue onto the socket, one frame per message,
// and keeps the connection alive with pings.
func (h *Handlers) writePump(client *session.Client, log *utils.Logger) {
	conn := client.Conn()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.SendChan():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// closed by the hub or after a queue overflow
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Debug("websocket write failed", "error", err.Error())
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}
