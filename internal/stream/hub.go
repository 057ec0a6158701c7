package stream

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"

	"trackshare-client/internal/api"

	"github.com/redis/go-redis/v9"
)

// AllTracks is the channel a viewer subscribes to for the full peer picture.
const AllTracks = "all"

// Update is the wire payload pushed to map viewers.
type Update struct {
	Kind    string                      `json:"kind"` // "point" or "peers"
	TrackID string                      `json:"track_id,omitempty"`
	Point   *api.TrackPoint             `json:"point,omitempty"`
	Tracks  map[string][]api.TrackPoint `json:"tracks,omitempty"`
}

// Hub fans live track updates out to local websocket viewers. With Redis
// configured it also bridges updates across processes so several viewer
// instances share one feed.
type Hub struct {
	redis   *redis.Client
	clients map[string]map[*Client]struct{}
	mu      sync.RWMutex
}

type Client struct {
	TrackID string
	Send    chan []byte
}

func NewHub(redisClient *redis.Client) *Hub {
	h := &Hub{
		redis:   redisClient,
		clients: map[string]map[*Client]struct{}{},
	}

	if redisClient != nil {
		go h.bridgeRedis()
	}
	return h
}

// Register subscribes a viewer to one track's updates, or to AllTracks.
func (h *Hub) Register(trackID string) *Client {
	client := &Client{
		TrackID: trackID,
		Send:    make(chan []byte, 64),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[trackID] == nil {
		h.clients[trackID] = map[*Client]struct{}{}
	}
	h.clients[trackID][client] = struct{}{}
	return client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if trackClients, ok := h.clients[client.TrackID]; ok {
		delete(trackClients, client)
		if len(trackClients) == 0 {
			delete(h.clients, client.TrackID)
		}
	}
	close(client.Send)
}

// BroadcastPoint pushes one freshly retained self point to viewers of that
// track and to AllTracks viewers.
func (h *Hub) BroadcastPoint(p api.TrackPoint) {
	payload, err := json.Marshal(Update{Kind: "point", TrackID: p.TrackID, Point: &p})
	if err != nil {
		return
	}
	h.publish(p.TrackID, payload)
	h.publish(AllTracks, payload)
}

// BroadcastTracks pushes the latest grouped peer tracks to AllTracks viewers.
func (h *Hub) BroadcastTracks(tracks map[string][]api.TrackPoint) {
	payload, err := json.Marshal(Update{Kind: "peers", Tracks: tracks})
	if err != nil {
		return
	}
	h.publish(AllTracks, payload)
}

// publish hands the payload to Redis when the bridge is up; the bridge echo
// performs local delivery so viewers never see an update twice. Without
// Redis, delivery is direct.
func (h *Hub) publish(trackID string, payload []byte) {
	if h.redis != nil {
		if err := h.redis.Publish(context.Background(), channelFor(trackID), payload).Err(); err != nil {
			log.Printf("redis publish error: %v", err)
			h.deliverLocal(trackID, payload)
		}
		return
	}
	h.deliverLocal(trackID, payload)
}

func (h *Hub) deliverLocal(trackID string, payload []byte) {
	h.mu.RLock()
	clients := h.clients[trackID]
	h.mu.RUnlock()

	for client := range clients {
		select {
		case client.Send <- payload:
		default:
			// slow viewer, drop rather than block the recorder
		}
	}
}

func (h *Hub) bridgeRedis() {
	ctx := context.Background()
	pubsub := h.redis.PSubscribe(ctx, "tracks:*:updates")
	defer pubsub.Close()

	for msg := range pubsub.Channel() {
		trackID := trackIDFromChannel(msg.Channel)
		if trackID == "" {
			continue
		}
		h.deliverLocal(trackID, []byte(msg.Payload))
	}
}

func channelFor(trackID string) string {
	return "tracks:" + trackID + ":updates"
}

func trackIDFromChannel(ch string) string {
	const prefix = "tracks:"
	const suffix = ":updates"
	if !strings.HasPrefix(ch, prefix) || !strings.HasSuffix(ch, suffix) {
		return ""
	}
	return ch[len(prefix) : len(ch)-len(suffix)]
}
