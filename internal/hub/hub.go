package hub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

var ErrStopped = errors.New("hub: stopped")

// Hub fans the notification view out to local UI connections. Each client
// gets the view filtered by its own open conversation.
type Hub struct {
	logger *logrus.Logger

	mu      sync.RWMutex
	clients map[string]*Client

	register   chan *Client
	unregister chan *Client
	refresh    chan *Client
	notify     chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
}

func New(logger *logrus.Logger) *Hub {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Hub{
		logger:     logger,
		clients:    map[string]*Client{},
		register:   make(chan *Client),
		unregister: make(chan *Client),
		refresh:    make(chan *Client),
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Register adds c and pushes its first frame. It fails once Start returned.
func (h *Hub) Register(c *Client) error {
	select {
	case h.register <- c:
		return nil
	case <-h.done:
		return ErrStopped
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Refresh re-sends the view to c alone.
func (h *Hub) Refresh(c *Client) {
	select {
	case h.refresh <- c:
	case <-h.done:
	}
}

// Notify asks for a push to every client. It never blocks; bursts collapse
// into one push.
func (h *Hub) Notify() {
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Start runs the hub loop until ctx is done, then closes every client's
// Send channel.
func (h *Hub) Start(ctx context.Context, src ViewSource) {
	defer h.stop()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.Id] = c
			h.mu.Unlock()
			h.logger.WithField("client", c.Id).Debug("ui client registered")
			h.push(c, src)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.Id]; ok {
				delete(h.clients, c.Id)
				close(c.Send)
			}
			h.mu.Unlock()
			h.logger.WithField("client", c.Id).Debug("ui client unregistered")

		case c := <-h.refresh:
			h.mu.RLock()
			_, ok := h.clients[c.Id]
			h.mu.RUnlock()
			if ok {
				h.push(c, src)
			}

		case <-h.notify:
			h.mu.RLock()
			snapshot := make([]*Client, 0, len(h.clients))
			for _, c := range h.clients {
				snapshot = append(snapshot, c)
			}
			h.mu.RUnlock()
			for _, c := range snapshot {
				h.push(c, src)
			}
		}
	}
}

// push runs on the hub loop only, so it never races the close in
// unregister.
func (h *Hub) push(c *Client, src ViewSource) {
	v := src.View(c.Open())
	data, err := json.Marshal(&Frame{Kind: KindNotifications, Items: v.Items, HasUnread: v.HasUnread})
	if err != nil {
		h.logger.WithError(err).Error("encode notification frame")
		return
	}
	select {
	case c.Send <- data:
	default:
		h.logger.WithField("client", c.Id).Debug("ui client buffer full, frame dropped")
	}
}

func (h *Hub) stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		for id, c := range h.clients {
			close(c.Send)
			delete(h.clients, id)
		}
		h.mu.Unlock()
	})
}
