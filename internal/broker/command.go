package broker

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/yanun0323/logs"

	"tickrelay/pkg/exception"
)

const maxInboundMessage = 4 << 10

// Command is an operator instruction pushed to every connected client.
type Command struct {
	ID       string            `json:"id"`
	Name     string            `json:"command"`
	Args     map[string]string `json:"args,omitempty"`
	IssuedAt time.Time         `json:"issued_at"`
}

// NewCommand builds a command with a fresh id.
func NewCommand(name string, args map[string]string) Command {
	return Command{ID: uuid.NewString(), Name: strings.TrimSpace(name), Args: args, IssuedAt: time.Now().UTC()}
}

type commandClient struct {
	conn   *websocket.Conn
	remote string
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func (c *commandClient) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// CommandHub is the one-to-many command endpoint. Delivery is best effort
// and at most once: a client whose queue is full misses the command.
type CommandHub struct {
	cfg      CommandConfig
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*commandClient]struct{}
	closed  bool

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewCommandHub creates a hub.
func NewCommandHub(cfg CommandConfig) (*CommandHub, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &CommandHub{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*commandClient]struct{}),
	}, nil
}

// ServeHTTP upgrades the request and registers the client.
func (h *CommandHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, exception.ErrBrokerClosed.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logs.Warnf("command upgrade from %s, err: %+v", r.RemoteAddr, err)
		return
	}
	c := &commandClient{
		conn:   conn,
		remote: r.RemoteAddr,
		send:   make(chan []byte, h.cfg.QueueSize),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	logs.Infof("command client connected: %s", c.remote)

	go h.writePump(c)
	h.readPump(c)
}

func (h *CommandHub) remove(c *commandClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
	if ok {
		logs.Infof("command client disconnected: %s", c.remote)
	}
}

// readPump discards inbound messages and keeps the read deadline alive
// through pongs.
func (h *CommandHub) readPump(c *commandClient) {
	defer h.remove(c)
	wait := 2 * h.cfg.PingInterval
	c.conn.SetReadLimit(maxInboundMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(wait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wait))
	})
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		logs.Debugf("command client %s says: %s", c.remote, msg)
	}
}

func (h *CommandHub) writePump(c *commandClient) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		h.remove(c)
	}()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
			h.sent.Add(1)
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Broadcast queues cmd for every connected client and returns how many
// queues accepted it.
func (h *CommandHub) Broadcast(cmd Command) (int, error) {
	if strings.TrimSpace(cmd.Name) == "" {
		return 0, exception.ErrEmptyCommand
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = time.Now().UTC()
	}
	payload, err := sonic.ConfigFastest.Marshal(cmd)
	if err != nil {
		return 0, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return 0, exception.ErrBrokerClosed
	}
	queued := 0
	for c := range h.clients {
		select {
		case c.send <- payload:
			queued++
		default:
			h.dropped.Add(1)
		}
	}
	return queued, nil
}

// Clients returns the number of connected clients.
func (h *CommandHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Totals returns written and dropped command counts.
func (h *CommandHub) Totals() (sent, dropped uint64) {
	return h.sent.Load(), h.dropped.Load()
}

// Close disconnects every client and refuses new ones.
func (h *CommandHub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*commandClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*commandClient]struct{})
	h.mu.Unlock()
	for _, c := range clients {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
			time.Now().Add(time.Second))
		c.close()
	}
}

// Serve runs the command endpoint on ln until ctx is done.
func (h *CommandHub) Serve(ctx context.Context, ln net.Listener) error {
	if ln == nil {
		return exception.ErrNilInstance
	}
	mux := http.NewServeMux()
	mux.Handle(h.cfg.Path, h)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	stop := context.AfterFunc(ctx, func() {
		h.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	logs.Infof("command endpoint listening on %s%s", ln.Addr(), h.cfg.Path)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
