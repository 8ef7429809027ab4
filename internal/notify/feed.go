package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/sirupsen/logrus"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var ErrNoCredential = errors.New("notify: no authenticated credential")

const (
	endpointPath = "/ws/notifications/"

	defaultHandshakeTimeout = 10 * time.Second
	closeWait               = 2 * time.Second
)

type Config struct {
	// BaseURL is ws(s)://host; http(s) is mapped to ws(s).
	BaseURL          string
	HandshakeTimeout time.Duration
	Logger           *logrus.Logger

	// OnChange runs on the read goroutine after each applied frame. It
	// must not call Close.
	OnChange func()
	// OnClosed runs once when the server or network ends the connection.
	// It does not run for Close.
	OnClosed func(err error)
}

// Feed is one live notification channel. Once Closed it stays Closed;
// reconnecting means building a new Feed.
type Feed struct {
	cfg           Config
	authenticated bool
	token         string
	logger        *logrus.Logger

	mu       sync.Mutex
	state    State
	set      *Set
	conn     *websocket.Conn
	rawConn  net.Conn
	cancel   context.CancelFunc
	done     chan struct{}
	stopping bool
}

func NewFeed(cfg Config, authenticated bool, token string) *Feed {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	return &Feed{
		cfg:           cfg,
		authenticated: authenticated,
		token:         token,
		logger:        logger,
		state:         Disconnected,
		set:           NewSet(),
	}
}

// EndpointURL builds the channel url; the credential travels as a query
// parameter since the protocol has no headers.
func EndpointURL(base, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("notify: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + endpointPath
	u.RawQuery = url.Values{"token": []string{token}}.Encode()
	return u.String(), nil
}

// Start moves a Disconnected feed to Connecting and dials in the
// background. Cancelling ctx closes the feed. Without a credential the
// feed stays Disconnected with an empty set.
func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != Disconnected || f.stopping {
		return nil
	}
	if !f.authenticated || f.token == "" {
		f.set.Reset()
		return ErrNoCredential
	}
	target, err := EndpointURL(f.cfg.BaseURL, f.token)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.done = make(chan struct{})
	f.state = Connecting

	go f.run(dialCtx, target)
	return nil
}

func (f *Feed) run(ctx context.Context, target string) {
	defer close(f.done)

	dialer := &websocket.Dialer{
		HandshakeTimeout: f.cfg.HandshakeTimeout,
		NetDialContext:   f.netDial,
	}
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		f.terminate(fmt.Errorf("dial notifications: %w", err))
		return
	}

	f.mu.Lock()
	if f.stopping {
		f.mu.Unlock()
		conn.Close()
		return
	}
	f.conn = conn
	f.rawConn = nil
	f.state = Open
	f.mu.Unlock()

	f.logger.Info("notification feed open")

	// ctx ending unblocks the read below and ends the feed as Closed
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			f.terminate(err)
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		if f.handleMessage(data) && f.cfg.OnChange != nil {
			f.cfg.OnChange()
		}
	}
}

// netDial keeps the raw connection so Close can abort a pending handshake.
func (f *Feed) netDial(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopping {
		c.Close()
		return nil, context.Canceled
	}
	f.rawConn = c
	return c, nil
}

// terminate records a server- or network-initiated close.
func (f *Feed) terminate(err error) {
	f.mu.Lock()
	if f.stopping {
		f.mu.Unlock()
		return
	}
	f.state = Closed
	f.conn = nil
	f.rawConn = nil
	f.mu.Unlock()

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		f.logger.WithError(err).Info("notification feed closed by server")
	} else {
		f.logger.WithError(err).Warn("notification feed closed")
	}
	if f.cfg.OnClosed != nil {
		f.cfg.OnClosed(err)
	}
}

// handleMessage applies one text frame and reports whether the set
// changed. Malformed frames are logged and dropped.
func (f *Feed) handleMessage(data []byte) bool {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		f.logger.WithError(err).WithField("frame", shortFrame(data)).Warn("malformed notification frame dropped")
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopping {
		return false
	}

	switch env.Type {
	case TypeInitial:
		f.set.Replace(env.Items)
		f.logger.WithField("items", f.set.Len()).Debug("notification snapshot applied")
		return true
	case TypeUpdate:
		if env.Item == nil {
			f.logger.Debug("notification update without item ignored")
			return false
		}
		f.set.Upsert(*env.Item)
		f.logger.WithFields(logrus.Fields{
			"service_request_id": env.Item.ServiceRequestID,
			"unread_count":       env.Item.UnreadCount,
		}).Debug("notification update applied")
		return true
	default:
		f.logger.WithField("type", env.Type).Debug("unknown notification type ignored")
		return false
	}
}

// Close tears the feed down. After it returns no frame is applied and no
// callback runs. Closing a Closed or never-started feed is a no-op.
func (f *Feed) Close() error {
	f.mu.Lock()
	if f.stopping {
		f.mu.Unlock()
		return nil
	}
	f.stopping = true
	prev := f.state
	conn, raw, cancel, done := f.conn, f.rawConn, f.cancel, f.done
	if prev == Connecting || prev == Open {
		f.state = Closed
	}
	f.mu.Unlock()

	switch prev {
	case Connecting:
		cancel()
		if raw != nil {
			raw.Close()
		}
	case Open:
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
		cancel()
	default:
		return nil
	}

	select {
	case <-done:
	case <-time.After(closeWait):
		f.logger.Warn("notification feed reader did not stop in time")
	}
	return nil
}

func (f *Feed) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// View derives the items needing attention, excluding open
// (NoConversation for none).
func (f *Feed) View(open int64) View {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set.Filter(open)
}

// ClearFor drops a conversation locally once the user has read it.
func (f *Feed) ClearFor(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopping {
		return
	}
	f.set.Remove(id)
}

func shortFrame(b []byte) string {
	if len(b) > 120 {
		return string(b[:120]) + "..."
	}
	return string(b)
}
