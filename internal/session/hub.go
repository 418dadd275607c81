package session

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// peer is the hub's view of a connected session.
type peer interface {
	ID() string
	Deliver(data []byte)
}

// relayEnvelope wraps a broadcast for cross-instance delivery over
// Redis pub/sub. Instance filters out our own publications.
type relayEnvelope struct {
	Instance string `json:"instance"`
	Data     []byte `json:"data"`
}

// Hub tracks which sessions are in which project room and fans
// broadcasts out to them. With a Redis client attached, rooms span
// server instances: every broadcast is also published on the project's
// channel and relayed to peers connected elsewhere.
type Hub struct {
	mu       sync.Mutex
	rooms    map[string]map[string]peer
	relays   map[string]*redis.PubSub
	rdb      *redis.Client
	instance string
	log      zerolog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

// HubOptions configure a Hub. Redis is optional; without it rooms are
// process-local.
type HubOptions struct {
	Redis  *redis.Client
	Logger zerolog.Logger
}

func NewHub(opts HubOptions) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		rooms:    make(map[string]map[string]peer),
		relays:   make(map[string]*redis.PubSub),
		rdb:      opts.Redis,
		instance: uuid.NewString(),
		log:      opts.Logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func roomChannel(projectID string) string {
	return "room:" + projectID
}

// Enter adds a session to a project room. The first local member of a
// room opens its cross-instance relay.
func (h *Hub) Enter(projectID string, p peer) {
	h.mu.Lock()
	room, ok := h.rooms[projectID]
	if !ok {
		room = make(map[string]peer)
		h.rooms[projectID] = room
	}
	room[p.ID()] = p
	openRelay := h.rdb != nil && len(room) == 1
	var pubsub *redis.PubSub
	if openRelay {
		pubsub = h.rdb.Subscribe(h.ctx, roomChannel(projectID))
		h.relays[projectID] = pubsub
	}
	h.mu.Unlock()

	if openRelay {
		go h.relayLoop(projectID, pubsub)
	}
}

// Exit removes a session from a project room. The last local member
// closes the relay.
func (h *Hub) Exit(projectID, connID string) {
	h.mu.Lock()
	room, ok := h.rooms[projectID]
	if ok {
		delete(room, connID)
		if len(room) == 0 {
			delete(h.rooms, projectID)
			if pubsub, ok := h.relays[projectID]; ok {
				delete(h.relays, projectID)
				defer pubsub.Close()
			}
		}
	}
	h.mu.Unlock()
}

// Broadcast delivers data to every room member except the named
// connection, and relays it to other instances.
func (h *Hub) Broadcast(projectID string, data []byte, exceptConnID string) {
	h.mu.Lock()
	peers := make([]peer, 0, len(h.rooms[projectID]))
	for id, p := range h.rooms[projectID] {
		if id == exceptConnID {
			continue
		}
		peers = append(peers, p)
	}
	h.mu.Unlock()

	for _, p := range peers {
		p.Deliver(data)
	}

	if h.rdb != nil {
		payload, err := json.Marshal(relayEnvelope{Instance: h.instance, Data: data})
		if err != nil {
			return
		}
		if err := h.rdb.Publish(h.ctx, roomChannel(projectID), payload).Err(); err != nil {
			h.log.Warn().Err(err).Str("project", projectID).Msg("relay publish failed")
		}
	}
}

// Members returns the number of local sessions in a room.
func (h *Hub) Members(projectID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[projectID])
}

func (h *Hub) relayLoop(projectID string, pubsub *redis.PubSub) {
	for msg := range pubsub.Channel() {
		var env relayEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			h.log.Warn().Err(err).Str("project", projectID).Msg("malformed relay message")
			continue
		}
		if env.Instance == h.instance {
			continue
		}
		h.mu.Lock()
		peers := make([]peer, 0, len(h.rooms[projectID]))
		for _, p := range h.rooms[projectID] {
			peers = append(peers, p)
		}
		h.mu.Unlock()
		for _, p := range peers {
			p.Deliver(env.Data)
		}
	}
}

// Close tears down all rooms and relays.
func (h *Hub) Close() {
	h.cancel()
	h.mu.Lock()
	for projectID, pubsub := range h.relays {
		delete(h.relays, projectID)
		pubsub.Close()
	}
	h.rooms = make(map[string]map[string]peer)
	h.mu.Unlock()
}
