package events

import (
	"context"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/jovidjumaev/fusas/internal/auth"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub bridges Redis pub/sub topics to websocket connections so professor
// and student views see rotations and scans as they happen. One Redis
// subscription exists per topic with live connections.
type Hub struct {
	mu          sync.RWMutex
	connections map[string][]*websocket.Conn
	redisClient *redis.Client
	signingKey  string
	issuer      string
	cancelFuncs map[string]context.CancelFunc
}

func NewHub(redisClient *redis.Client, signingKey, issuer string) *Hub {
	return &Hub{
		connections: make(map[string][]*websocket.Conn),
		redisClient: redisClient,
		signingKey:  signingKey,
		issuer:      issuer,
		cancelFuncs: make(map[string]context.CancelFunc),
	}
}

// HandleWebSocket upgrades a connection subscribed to one topic. Auth is a
// JWT in the query string because browsers cannot set headers on websocket
// dials. Dashboard topics are instructor-only.
func (h *Hub) HandleWebSocket(topic string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenStr := r.URL.Query().Get("token")
		if tokenStr == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		claims, err := auth.Parse(tokenStr, h.signingKey, h.issuer)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if isDashboardTopic(topic) && claims.Role != auth.RoleInstructor {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("websocket upgrade failed: %v", err)
			return
		}

		h.registerConnection(topic, conn)

		go func() {
			defer h.unregisterConnection(topic, conn)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					break
				}
			}
		}()
	}
}

func isDashboardTopic(topic string) bool {
	return len(topic) > len("dashboard:") && topic[:len("dashboard:")] == "dashboard:"
}

func (h *Hub) registerConnection(topic string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.connections[topic] = append(h.connections[topic], conn)

	// First connection for the topic starts the pub/sub bridge.
	if len(h.connections[topic]) == 1 {
		ctx, cancel := context.WithCancel(context.Background())
		h.cancelFuncs[topic] = cancel
		go h.subscribeToPubSub(ctx, topic)
	}

	log.Printf("websocket connected: topic %s (total: %d)", topic, len(h.connections[topic]))
}

func (h *Hub) unregisterConnection(topic string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn.Close()

	conns := h.connections[topic]
	for i, c := range conns {
		if c == conn {
			h.connections[topic] = append(conns[:i], conns[i+1:]...)
			break
		}
	}

	if len(h.connections[topic]) == 0 {
		delete(h.connections, topic)
		if cancel, ok := h.cancelFuncs[topic]; ok {
			cancel()
			delete(h.cancelFuncs, topic)
		}
	}

	log.Printf("websocket disconnected: topic %s", topic)
}

func (h *Hub) subscribeToPubSub(ctx context.Context, topic string) {
	pubsub := h.redisClient.Subscribe(ctx, topic)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.broadcast(topic, []byte(msg.Payload))
		}
	}
}

func (h *Hub) broadcast(topic string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, conn := range h.connections[topic] {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Printf("websocket write on %s: %v", topic, err)
		}
	}
}
