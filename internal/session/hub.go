package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"bpmncollab/internal/metrics"
	"bpmncollab/internal/models"
	"bpmncollab/internal/utils"
)

// Notifier receives presence events. Notify is called with the hub lock held
// and must not block.
type Notifier interface {
	Notify(event models.PresenceEvent)
}

type Option func(*Hub)

func WithLogger(log *utils.Logger) Option { return func(h *Hub) { h.log = log } }

func WithNotifier(n Notifier) Option { return func(h *Hub) { h.notifier = n } }

// WithIDGenerator overrides how client ids are minted. Ids already in use are
// regenerated; after maxIDAttempts misses the hub falls back to random UUIDs.
func WithIDGenerator(fn func() string) Option { return func(h *Hub) { h.newID = fn } }

func WithInitialDocument(doc string) Option { return func(h *Hub) { h.document = doc } }

// WithStrictElementLocks attributes element locks to the connection's own id
// instead of the payload's user_id, and only lets the owner release them.
func WithStrictElementLocks(strict bool) Option { return func(h *Hub) { h.strictElementLocks = strict } }

// WithReleaseElementLocksOnDisconnect frees a departing client's element locks.
func WithReleaseElementLocksOnDisconnect(release bool) Option {
	return func(h *Hub) { h.releaseOnDisconnect = release }
}

func WithInstanceID(id string) Option { return func(h *Hub) { h.instanceID = id } }

// Hub is the single authority for the shared document, the roster and both
// kinds of lock. Every operation runs under one mutex and queues its fan-out
// before releasing it, so all clients observe state changes in the same order.
type Hub struct {
	mu           sync.Mutex
	clients      map[string]*Client
	order        []string
	document     string
	lockHolder   string
	elementLocks *ElementLocks

	newID               func() string
	log                 *utils.Logger
	notifier            Notifier
	instanceID          string
	strictElementLocks  bool
	releaseOnDisconnect bool
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		clients:      make(map[string]*Client),
		document:     models.DefaultDiagram,
		elementLocks: NewElementLocks(),
		newID:        uuid.NewString,
		log:          utils.NewNopLogger(),
		instanceID:   uuid.NewString(),
	}
	for _, opt := range opts {
		opt(h)
	}
	metrics.SetDocumentBytes(len(h.document))
	return h
}

// Connect registers c, assigns its id and sends it the current state. The
// updated roster goes to every client, c included.
func (h *Hub) Connect(c *Client) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.assignIDLocked()
	c.id = id
	h.clients[id] = c
	h.order = append(h.order, id)

	c.Send(encode(models.NewClientIDMessage(id)))
	c.Send(encode(models.NewUpdateMessage(h.document)))
	if h.lockHolder != "" {
		c.Send(encode(models.NewLockMessage(true)))
	}
	h.broadcastRosterLocked()

	metrics.SetConnectedClients(len(h.clients))
	h.notifyLocked(models.PresenceEvent{Type: models.PresenceJoined, ClientID: id})
	h.log.Info("client connected", "clientId", id, "clients", len(h.clients))
	return id
}

// Disconnect removes the client. Unknown ids are ignored.
func (h *Hub) Disconnect(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[id]
	if !ok {
		return
	}
	delete(h.clients, id)
	for i, cid := range h.order {
		if cid == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	c.Close()

	if h.lockHolder == id {
		h.lockHolder = ""
		h.broadcastLocked("", encode(models.NewLockMessage(false)))
		h.notifyLocked(models.PresenceEvent{Type: models.PresenceUnlocked, ClientID: id})
	}
	if h.releaseOnDisconnect {
		for _, el := range h.elementLocks.ReleaseOwnedBy(id) {
			h.broadcastLocked("", encode(models.NewElementLockMessage(el, id, false)))
			h.notifyLocked(models.PresenceEvent{Type: models.PresenceElementUnlocked, ClientID: id, ElementID: el, UserID: id})
		}
	}
	h.broadcastRosterLocked()

	metrics.SetConnectedClients(len(h.clients))
	h.notifyLocked(models.PresenceEvent{Type: models.PresenceLeft, ClientID: id})
	h.log.Info("client disconnected", "clientId", id, "clients", len(h.clients))
}

// HandleMessage routes a parsed client frame and reports whether it changed
// hub state.
func (h *Hub) HandleMessage(senderID string, env models.Envelope) bool {
	var applied bool
	switch env.Type {
	case models.TypeUpdate:
		applied = h.HandleUpdate(senderID, env.Raw, *env.XML)
	case models.TypeLock:
		applied = h.HandleGlobalLock(senderID, env.Raw, env.Locked)
	case models.TypeElementLock:
		applied = h.HandleElementLock(senderID, env.Raw, *env.ElementID, env.UserID, env.Locked)
	default:
		metrics.ObserveMessage(string(env.Type), metrics.OutcomeMalformed)
		return false
	}
	outcome := metrics.OutcomeIgnored
	if applied {
		outcome = metrics.OutcomeApplied
	}
	metrics.ObserveMessage(string(env.Type), outcome)
	return applied
}

// HandleUpdate replaces the document with body and relays raw to everyone but
// the sender. The last update processed wins.
func (h *Hub) HandleUpdate(senderID string, raw []byte, body string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[senderID]; !ok {
		return false
	}
	h.document = body
	h.broadcastLocked(senderID, raw)

	metrics.SetDocumentBytes(len(body))
	h.notifyLocked(models.PresenceEvent{Type: models.PresenceDocumentUpdated, ClientID: senderID})
	return true
}

// HandleGlobalLock claims or releases the whole-document lock. A claim while
// the lock is held, or a release by anyone but the holder, is dropped without
// a reply.
func (h *Hub) HandleGlobalLock(senderID string, raw []byte, want bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[senderID]; !ok {
		return false
	}

	if want {
		if h.lockHolder != "" {
			h.log.Debug("lock claim ignored", "clientId", senderID, "holder", h.lockHolder)
			return false
		}
		h.lockHolder = senderID
		h.broadcastLocked(senderID, raw)
		h.notifyLocked(models.PresenceEvent{Type: models.PresenceLocked, ClientID: senderID})
		return true
	}

	if h.lockHolder != senderID {
		return false
	}
	h.lockHolder = ""
	h.broadcastLocked(senderID, raw)
	h.notifyLocked(models.PresenceEvent{Type: models.PresenceUnlocked, ClientID: senderID})
	return true
}

// HandleElementLock claims or releases a single element. By default the owner
// is the user_id carried in the message (falling back to the sender when it
// is empty) and any client may release a held element.
func (h *Hub) HandleElementLock(senderID string, raw []byte, elementID, userID string, want bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[senderID]; !ok {
		return false
	}

	owner := userID
	if h.strictElementLocks || owner == "" {
		owner = senderID
	}

	var ok bool
	if want {
		ok = h.elementLocks.Claim(elementID, owner)
	} else {
		ok = h.elementLocks.Release(elementID, senderID, h.strictElementLocks)
	}
	if !ok {
		h.log.Debug("element lock ignored", "clientId", senderID, "elementId", elementID, "locked", want)
		return false
	}

	// In strict mode the relayed frame must name the verified owner, not
	// whatever the client put in user_id.
	if h.strictElementLocks {
		raw = encode(models.NewElementLockMessage(elementID, owner, want))
	}
	h.broadcastLocked(senderID, raw)

	evType := models.PresenceElementUnlocked
	if want {
		evType = models.PresenceElementLocked
	}
	h.notifyLocked(models.PresenceEvent{Type: evType, ClientID: senderID, ElementID: elementID, UserID: owner})
	return true
}

// State is a point-in-time copy of the hub.
type State struct {
	Clients      []string
	Document     string
	LockHolder   string
	ElementLocks map[string]string
}

func (h *Hub) Snapshot() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return State{
		Clients:      append([]string(nil), h.order...),
		Document:     h.document,
		LockHolder:   h.lockHolder,
		ElementLocks: h.elementLocks.Snapshot(),
	}
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// CloseAll closes every client's outbound queue so their write pumps send a
// close frame. Registry cleanup still happens through Disconnect.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		c.Close()
	}
}

// maxIDAttempts bounds how often Connect asks the generator for a free id
// while holding the hub lock.
const maxIDAttempts = 16

func (h *Hub) assignIDLocked() string {
	gen := h.newID
	for attempt := 1; ; attempt++ {
		if attempt == maxIDAttempts+1 {
			h.log.Warn("id generator keeps returning taken ids, using random ids", "attempts", maxIDAttempts)
			gen = uuid.NewString
		}
		id := gen()
		if _, taken := h.clients[id]; !taken && id != "" {
			return id
		}
	}
}

func (h *Hub) broadcastRosterLocked() {
	h.broadcastLocked("", encode(models.NewUserListMessage(append([]string(nil), h.order...))))
}

// broadcastLocked sends data to every client except the one with id except,
// in roster order.
func (h *Hub) broadcastLocked(except string, data []byte) {
	for _, id := range h.order {
		if id == except {
			continue
		}
		if !h.clients[id].Send(data) {
			h.log.Warn("frame not delivered, client closed or queue full", "clientId", id)
		}
	}
}

func (h *Hub) notifyLocked(ev models.PresenceEvent) {
	if h.notifier == nil {
		return
	}
	ev.Clients = len(h.clients)
	ev.InstanceID = h.instanceID
	ev.Timestamp = time.Now().UTC()
	h.notifier.Notify(ev)
}

func encode(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
