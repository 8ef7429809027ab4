package session

import (
	"context"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/pelusa-v/garage-link/internal/notify"
)

// State is either Unauthenticated or Authenticated.
type State interface {
	isState()
}

type Unauthenticated struct{}

type Authenticated struct {
	Credential string
}

func (Unauthenticated) isState() {}
func (Authenticated) isState()   {}

func FromToken(token string) State {
	if token == "" {
		return Unauthenticated{}
	}
	return Authenticated{Credential: token}
}

// Manager owns the mounted notification feed and rebuilds it whenever
// the session state changes.
type Manager struct {
	base    context.Context
	feedCfg notify.Config
	logger  *logrus.Logger

	mu    sync.Mutex
	state State
	feed  *notify.Feed
}

// NewManager starts Unauthenticated. base bounds the lifetime of every
// feed the manager mounts.
func NewManager(base context.Context, feedCfg notify.Config, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	if feedCfg.Logger == nil {
		feedCfg.Logger = logger
	}
	return &Manager{
		base:    base,
		feedCfg: feedCfg,
		logger:  logger,
		state:   Unauthenticated{},
	}
}

// Apply switches to st. An unchanged state keeps the mounted feed.
func (m *Manager) Apply(st State) {
	if st == nil {
		st = Unauthenticated{}
	}

	m.mu.Lock()
	if m.state == st && m.feed != nil {
		m.mu.Unlock()
		return
	}
	old := m.feed
	m.state = st
	m.feed = m.mount(st)
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
}

// Remount replaces the feed for the current state, e.g. after the server
// closed it.
func (m *Manager) Remount() {
	m.mu.Lock()
	old := m.feed
	m.feed = m.mount(m.state)
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
}

func (m *Manager) mount(st State) *notify.Feed {
	var feed *notify.Feed
	switch s := st.(type) {
	case Authenticated:
		feed = notify.NewFeed(m.feedCfg, true, s.Credential)
	default:
		feed = notify.NewFeed(m.feedCfg, false, "")
	}
	if err := feed.Start(m.base); err != nil {
		m.logger.WithError(err).Debug("notification feed not started")
	} else {
		m.logger.Info("notification feed mounted")
	}
	return feed
}

func (m *Manager) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Authenticated() bool {
	_, ok := m.Current().(Authenticated)
	return ok
}

func (m *Manager) View(open int64) notify.View {
	if f := m.currentFeed(); f != nil {
		return f.View(open)
	}
	return notify.View{Items: []notify.Item{}}
}

func (m *Manager) FeedState() notify.State {
	if f := m.currentFeed(); f != nil {
		return f.State()
	}
	return notify.Disconnected
}

func (m *Manager) ClearFor(id int64) {
	if f := m.currentFeed(); f != nil {
		f.ClearFor(id)
	}
}

// Close unmounts the feed and leaves the manager Unauthenticated.
func (m *Manager) Close() {
	m.mu.Lock()
	old := m.feed
	m.feed = nil
	m.state = Unauthenticated{}
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
}

func (m *Manager) currentFeed() *notify.Feed {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.feed
}
