package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var errRefreshAborted = errors.New("refresh aborted")

// deferred is the handle a queued request waits on. It settles once.
type deferred struct {
	once  sync.Once
	done  chan struct{}
	token string
	err   error
}

func newDeferred() *deferred {
	return &deferred{done: make(chan struct{})}
}

func (d *deferred) succeed(token string) {
	d.once.Do(func() {
		d.token = token
		close(d.done)
	})
}

func (d *deferred) fail(err error) {
	d.once.Do(func() {
		d.err = err
		close(d.done)
	})
}

func (d *deferred) wait(ctx context.Context) (string, error) {
	select {
	case <-d.done:
		return d.token, d.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// refreshState allows at most one outstanding refresh per Client.
type refreshState struct {
	mu       sync.Mutex
	inFlight bool
	queue    []*deferred
}

// finish resets inFlight and settles the queue in arrival order.
func (s *refreshState) finish(token string, err error) {
	s.mu.Lock()
	queue := s.queue
	s.queue = nil
	s.inFlight = false
	s.mu.Unlock()

	for _, d := range queue {
		if err != nil {
			d.fail(err)
		} else {
			d.succeed(token)
		}
	}
}

// Refresh obtains a new access token, sharing an in-flight refresh if
// there is one.
func (c *Client) Refresh(ctx context.Context) (string, error) {
	c.refresh.mu.Lock()
	if c.refresh.inFlight {
		d := newDeferred()
		c.refresh.queue = append(c.refresh.queue, d)
		c.refresh.mu.Unlock()
		return d.wait(ctx)
	}
	c.refresh.inFlight = true
	c.refresh.mu.Unlock()
	return c.lead(ctx)
}

// renew is Refresh for a request rejected while carrying stale. If the
// stored token moved on since stale was sent, no refresh is made: a newer
// token is returned as is, a cleared one means the session already ended.
func (c *Client) renew(ctx context.Context, stale string) (string, error) {
	c.refresh.mu.Lock()
	if c.refresh.inFlight {
		d := newDeferred()
		c.refresh.queue = append(c.refresh.queue, d)
		waiting := len(c.refresh.queue)
		c.refresh.mu.Unlock()

		c.logger.WithField("queued", waiting).Debug("refresh in flight, request queued")
		return d.wait(ctx)
	}
	current, err := c.Token(ctx)
	if err != nil {
		c.refresh.mu.Unlock()
		return "", err
	}
	if current != stale {
		c.refresh.mu.Unlock()
		if current == "" {
			return "", &RefreshError{Err: ErrSessionExpired}
		}
		return current, nil
	}
	c.refresh.inFlight = true
	c.refresh.mu.Unlock()
	return c.lead(ctx)
}

// lead runs the refresh call. It must only be entered by the caller that
// flipped inFlight.
func (c *Client) lead(ctx context.Context) (token string, err error) {
	settled := false
	defer func() {
		if !settled {
			// panic path; waiters must not hang
			c.refresh.finish("", &RefreshError{Err: errRefreshAborted})
		}
	}()

	c.logger.Info("refreshing access token")

	token, err = c.requestAccessToken(ctx)
	if err == nil {
		if serr := c.store.Save(context.WithoutCancel(ctx), token); serr != nil {
			err = fmt.Errorf("persist access token: %w", serr)
		}
	}

	if err != nil {
		rerr := &RefreshError{Err: err}

		// cleared before finish: a late 401 with the old token must queue
		// on this refresh, not lead another
		c.logger.WithError(err).Warn("token refresh failed, clearing credential")
		if cerr := c.store.Clear(context.WithoutCancel(ctx)); cerr != nil {
			c.logger.WithError(cerr).Error("clear credential after failed refresh")
		}
		c.setDefaultAuth("")
		settled = true
		c.refresh.finish("", rerr)

		c.emit("")
		if c.onExpired != nil {
			c.onExpired(rerr)
		}
		return "", rerr
	}

	c.setDefaultAuth(token)
	settled = true
	c.refresh.finish(token, nil)

	c.logger.Info("access token refreshed")
	c.emit(token)
	return token, nil
}

type refreshResponse struct {
	Access string `json:"access"`
}

// requestAccessToken calls the refresh endpoint on the bare client. The
// call is bounded by refreshTimeout and outlives the caller's cancellation,
// since queued requests depend on it.
func (c *Client) requestAccessToken(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.refreshTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(refreshPath, nil), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.refreshHTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &StatusError{Method: http.MethodPost, Path: refreshPath, StatusCode: resp.StatusCode, Body: body}
	}

	var payload refreshResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		c.logger.WithFields(logrus.Fields{"body": short(string(body))}).Debug("refresh response not json")
		return "", ErrNoAccessToken
	}
	if payload.Access == "" {
		return "", ErrNoAccessToken
	}
	return payload.Access, nil
}
