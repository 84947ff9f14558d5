// Package dashboard pushes live status reports to websocket subscribers.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"devtunnel/internal/constants"
	"devtunnel/internal/session"
	"devtunnel/internal/status"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 8192,
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

type Dashboard struct {
	registry *session.Registry
	interval time.Duration
	log      zerolog.Logger

	clientsMu sync.RWMutex
	clients   map[*client]bool
}

func New(registry *session.Registry, interval time.Duration, log zerolog.Logger) *Dashboard {
	if interval <= 0 {
		interval = constants.StatusFeedInterval
	}
	return &Dashboard{
		registry: registry,
		interval: interval,
		log:      log,
		clients:  make(map[*client]bool),
	}
}

// Clients returns the number of connected subscribers.
func (d *Dashboard) Clients() int {
	d.clientsMu.RLock()
	defer d.clientsMu.RUnlock()
	return len(d.clients)
}

func (d *Dashboard) snapshot() ([]byte, error) {
	return json.Marshal(status.Build(d.registry))
}

// Run broadcasts a report every interval until ctx is done.
func (d *Dashboard) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.closeAll()
			return
		case <-ticker.C:
			if d.Clients() == 0 {
				continue
			}
			data, err := d.snapshot()
			if err != nil {
				d.log.Error().Err(err).Msg("status feed marshal failed")
				continue
			}
			d.broadcast(data)
		}
	}
}

func (d *Dashboard) broadcast(data []byte) {
	d.clientsMu.RLock()
	targets := make([]*client, 0, len(d.clients))
	for c := range d.clients {
		targets = append(targets, c)
	}
	d.clientsMu.RUnlock()

	for _, c := range targets {
		if err := c.send(data); err != nil {
			d.remove(c)
		}
	}
}

func (d *Dashboard) remove(c *client) {
	d.clientsMu.Lock()
	delete(d.clients, c)
	d.clientsMu.Unlock()
	_ = c.conn.Close()
}

func (d *Dashboard) closeAll() {
	d.clientsMu.Lock()
	clients := d.clients
	d.clients = make(map[*client]bool)
	d.clientsMu.Unlock()
	for c := range clients {
		_ = c.conn.Close()
	}
}

// ServeHTTP upgrades the request and keeps the subscriber until it goes away.
func (d *Dashboard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.log.Debug().Err(err).Msg("status feed upgrade failed")
		return
	}
	c := &client{conn: conn}

	data, err := d.snapshot()
	if err == nil {
		err = c.send(data)
	}
	if err != nil {
		_ = conn.Close()
		return
	}

	d.clientsMu.Lock()
	d.clients[c] = true
	d.clientsMu.Unlock()
	defer d.remove(c)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
