package handlers

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pelusa-v/garage-link/internal/api"
	"github.com/pelusa-v/garage-link/internal/hub"
	"github.com/pelusa-v/garage-link/internal/notify"
	"github.com/pelusa-v/garage-link/internal/session"
)

const proxyPrefix = "/api/proxy/"

type Gateway struct {
	api      *api.Client
	sessions *session.Manager
	hub      *hub.Hub
	logger   *logrus.Logger
}

func NewGateway(client *api.Client, sessions *session.Manager, h *hub.Hub, logger *logrus.Logger) *Gateway {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Gateway{api: client, sessions: sessions, hub: h, logger: logger}
}

// Mount registers every gateway route on app.
func (g *Gateway) Mount(app *fiber.App) {
	app.Get("/ping", func(c *fiber.Ctx) error { return c.SendString("pong") })

	app.Post("/api/session/login", g.LoginHandler)
	app.Post("/api/session/logout", g.LogoutHandler)
	app.Get("/api/session", g.SessionHandler)

	app.Get("/api/notifications", g.NotificationsHandler)
	app.Get("/api/notifications/summary", g.SummaryHandler)
	app.Post("/api/notifications/read", g.MarkReadHandler)
	app.Post("/api/notifications/reconnect", g.ReconnectHandler)

	app.Use("/api/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/api/ws/notifications", websocket.New(g.StreamHandler))

	app.All(proxyPrefix+"*", g.ProxyHandler)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginHandler POST /api/session/login
func (g *Gateway) LoginHandler(c *fiber.Ctx) error {
	var in loginRequest
	if err := c.BodyParser(&in); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}
	in.Email = strings.TrimSpace(in.Email)
	if in.Email == "" || in.Password == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing email or password"})
	}

	res, err := g.api.Login(c.UserContext(), in.Email, in.Password)
	if err != nil {
		return g.upstreamError(c, err)
	}
	return c.JSON(fiber.Map{
		"full_name":       res.FullName,
		"role":            res.Role,
		"email":           res.Email,
		"workshop_status": res.WorkshopStatus,
	})
}

// LogoutHandler POST /api/session/logout
func (g *Gateway) LogoutHandler(c *fiber.Ctx) error {
	if err := g.api.Logout(c.UserContext()); err != nil {
		g.logger.WithError(err).Error("logout")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// SessionHandler GET /api/session
func (g *Gateway) SessionHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"authenticated": g.sessions.Authenticated(),
		"feed_state":    g.sessions.FeedState().String(),
	})
}

// NotificationsHandler GET /api/notifications?open=
func (g *Gateway) NotificationsHandler(c *fiber.Ctx) error {
	open := int64(c.QueryInt("open", int(notify.NoConversation)))
	return c.JSON(g.sessions.View(open))
}

// SummaryHandler GET /api/notifications/summary
func (g *Gateway) SummaryHandler(c *fiber.Ctx) error {
	s, err := g.api.UnreadSummary(c.UserContext())
	if err != nil {
		return g.upstreamError(c, err)
	}
	return c.JSON(s)
}

// MarkReadHandler POST /api/notifications/read?service_request_id=
func (g *Gateway) MarkReadHandler(c *fiber.Ctx) error {
	id := c.QueryInt("service_request_id", 0)
	if id <= 0 {
		return c.SendStatus(fiber.StatusBadRequest)
	}
	g.sessions.ClearFor(int64(id))
	g.hub.Notify()
	return c.SendStatus(fiber.StatusNoContent)
}

// ReconnectHandler POST /api/notifications/reconnect
func (g *Gateway) ReconnectHandler(c *fiber.Ctx) error {
	if !g.sessions.Authenticated() {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "not authenticated"})
	}
	g.sessions.Remount()
	return c.JSON(fiber.Map{"feed_state": g.sessions.FeedState().String()})
}

// StreamHandler GET /api/ws/notifications?open=
func (g *Gateway) StreamHandler(c *websocket.Conn) {
	open := int64(notify.NoConversation)
	if q := c.Query("open"); q != "" {
		var err error
		if open, err = strconv.ParseInt(q, 10, 64); err != nil {
			_ = c.Close()
			return
		}
	}
	client := hub.NewClient(uuid.NewString(), c, open)
	if err := g.hub.Register(client); err != nil {
		_ = c.Close()
		return
	}
	defer g.hub.Unregister(client)
	go client.WritePump()
	client.ReadPump(g.hub)
}

// ProxyHandler ALL /api/proxy/*
func (g *Gateway) ProxyHandler(c *fiber.Ctx) error {
	// c.Params("*") loses the trailing slash the backend routes end with
	path := strings.TrimPrefix(c.Path(), proxyPrefix)
	if path == "" || path == c.Path() {
		return c.SendStatus(fiber.StatusNotFound)
	}

	var opts []api.RequestOption
	if qs := string(c.Request().URI().QueryString()); qs != "" {
		q, err := url.ParseQuery(qs)
		if err != nil {
			return c.SendStatus(fiber.StatusBadRequest)
		}
		opts = append(opts, api.WithQuery(q))
	}
	for _, h := range []string{fiber.HeaderContentType, fiber.HeaderAccept} {
		if v := c.Get(h); v != "" {
			opts = append(opts, api.WithHeader(h, v))
		}
	}
	var body any
	if b := c.Body(); len(b) > 0 {
		body = append([]byte(nil), b...)
	}

	resp, err := g.api.Do(c.UserContext(), c.Method(), path, body, opts...)
	if err != nil {
		var se *api.StatusError
		if !errors.Is(err, api.ErrSessionExpired) && errors.As(err, &se) {
			return sendUpstream(c, se.StatusCode, nil, se.Body)
		}
		return g.upstreamError(c, err)
	}
	return sendUpstream(c, resp.StatusCode, resp.Header, resp.Body)
}

// sendUpstream relays a backend reply as is. A missing content type on a
// non-empty body is assumed to be JSON.
func sendUpstream(c *fiber.Ctx, status int, header http.Header, body []byte) error {
	if ct := header.Get(fiber.HeaderContentType); ct != "" {
		c.Set(fiber.HeaderContentType, ct)
	} else if len(body) > 0 {
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	return c.Status(status).Send(body)
}

// upstreamError maps api client failures: auth failures become 401,
// backend statuses pass through, transport errors become 502.
func (g *Gateway) upstreamError(c *fiber.Ctx, err error) error {
	var se *api.StatusError
	switch {
	case errors.Is(err, api.ErrSessionExpired):
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "session expired"})
	case errors.As(err, &se):
		g.logger.WithFields(logrus.Fields{
			"method": se.Method,
			"path":   se.Path,
			"status": se.StatusCode,
		}).Debug("backend rejected request")
		return c.Status(se.StatusCode).JSON(fiber.Map{"error": http.StatusText(se.StatusCode)})
	default:
		g.logger.WithError(err).Warn("backend unreachable")
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "backend unavailable"})
	}
}
