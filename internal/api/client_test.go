package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pelusa-v/garage-link/internal/credentials"
)

// fakeBackend accepts one bearer token on protected routes and issues a
// new one from the refresh endpoint.
type fakeBackend struct {
	mu        sync.Mutex
	valid     string
	issue     string
	lastAuth  string
	refreshFn func(w http.ResponseWriter, r *http.Request)

	refreshCalls   atomic.Int32
	protectedCalls atomic.Int32
	unauthorized   atomic.Int32
	// refresh waits until this many 401s were served (0 = no wait)
	holdRefreshFor int32
}

func (b *fakeBackend) router() http.Handler {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Post("/accounts/auth/token/refresh/", b.handleRefresh)
		r.Get("/workshops/", b.handleProtected)
		r.Post("/service-requests/", b.handleProtected)
		r.Post("/accounts/login/", b.handleLogin)
		r.Post("/accounts/logout/", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})
		r.Get("/messages/unread-summary/", func(w http.ResponseWriter, r *http.Request) {
			if !b.authorized(r) {
				b.unauthorized.Add(1)
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Write([]byte(`{"total_unread_count":3,"items":[{"service_request_id":4,"unread_count":3,"counterpart_name":"Ravi Motors"}]}`))
		})
	})
	return r
}

func (b *fakeBackend) authorized(r *http.Request) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastAuth = r.Header.Get("Authorization")
	return b.lastAuth == "Bearer "+b.valid
}

func (b *fakeBackend) handleProtected(w http.ResponseWriter, r *http.Request) {
	b.protectedCalls.Add(1)
	if !b.authorized(r) {
		b.unauthorized.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"detail":"token not valid"}`))
		return
	}
	body, _ := io.ReadAll(r.Body)
	w.Header().Set("Content-Type", "application/json")
	if len(body) > 0 {
		w.Write(body)
		return
	}
	w.Write([]byte(`{"ok":true}`))
}

func (b *fakeBackend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	b.refreshCalls.Add(1)
	if n := b.holdRefreshFor; n > 0 {
		deadline := time.Now().Add(2 * time.Second)
		for b.unauthorized.Load() < n && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}
	if b.refreshFn != nil {
		b.refreshFn(w, r)
		return
	}
	b.mu.Lock()
	tok := b.issue
	b.mu.Unlock()
	json.NewEncoder(w).Encode(map[string]string{"access": tok})
}

func (b *fakeBackend) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	_ = json.NewDecoder(r.Body).Decode(&in)
	if in.Password != "s3cret" {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"Incorrect password."}`))
		return
	}
	http.SetCookie(w, &http.Cookie{Name: "refreshtoken", Value: "r1", Path: "/"})
	json.NewEncoder(w).Encode(map[string]string{
		"access":    "fresh",
		"full_name": "Asha K",
		"role":      "workshop",
		"email":     in.Email,
	})
}

func newTestClient(t *testing.T, b *fakeBackend, token string, opts ...func(*Options)) (*Client, *credentials.MemoryStore) {
	t.Helper()
	srv := httptest.NewServer(b.router())
	t.Cleanup(srv.Close)

	store := credentials.NewMemoryStore(token)
	o := Options{BaseURL: srv.URL + "/api", Store: store, RefreshTimeout: time.Second}
	for _, fn := range opts {
		fn(&o)
	}
	c, err := NewClient(o)
	if err != nil {
		t.Fatalf("NewClient(): %v", err)
	}
	return c, store
}

func TestConcurrentUnauthorizedSharesOneRefresh(t *testing.T) {
	const n = 8
	b := &fakeBackend{valid: "new", issue: "new", holdRefreshFor: n}
	c, store := newTestClient(t, b, "old")

	var changes []string
	var changesMu sync.Mutex
	c.OnTokenChange(func(tok string) {
		changesMu.Lock()
		changes = append(changes, tok)
		changesMu.Unlock()
	})

	var wg sync.WaitGroup
	errs := make([]error, n)
	codes := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := c.Do(context.Background(), http.MethodGet, "workshops/", nil)
			errs[i] = err
			if resp != nil {
				codes[i] = resp.StatusCode
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("request %d failed: %v", i, errs[i])
		}
		if codes[i] != http.StatusOK {
			t.Fatalf("request %d status = %d", i, codes[i])
		}
	}
	if got := b.refreshCalls.Load(); got != 1 {
		t.Fatalf("refresh calls = %d, want 1", got)
	}
	if tok, _ := store.Load(context.Background()); tok != "new" {
		t.Fatalf("stored token = %q, want new", tok)
	}
	changesMu.Lock()
	defer changesMu.Unlock()
	if len(changes) != 1 || changes[0] != "new" {
		t.Fatalf("token changes = %v", changes)
	}
}

func TestRefreshFailureRejectsEveryWaiter(t *testing.T) {
	const n = 5
	b := &fakeBackend{valid: "new", holdRefreshFor: n}
	b.refreshFn = func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"detail":"refresh token expired"}`))
	}

	var expired atomic.Int32
	c, store := newTestClient(t, b, "old", func(o *Options) {
		o.OnSessionExpired = func(error) { expired.Add(1) }
	})

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Do(context.Background(), http.MethodGet, "workshops/", nil)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, ErrSessionExpired) {
			t.Fatalf("request %d error = %v, want ErrSessionExpired", i, err)
		}
	}
	if got := b.refreshCalls.Load(); got != 1 {
		t.Fatalf("refresh calls = %d, want 1", got)
	}
	if tok, _ := store.Load(context.Background()); tok != "" {
		t.Fatalf("stored token = %q, want cleared", tok)
	}
	if got := expired.Load(); got != 1 {
		t.Fatalf("OnSessionExpired calls = %d, want 1", got)
	}
}

func TestRetriedRequestIsNotRefreshedAgain(t *testing.T) {
	// the server rejects every token, including the refreshed one
	b := &fakeBackend{valid: "never-issued", issue: "new"}
	c, _ := newTestClient(t, b, "old")

	_, err := c.Do(context.Background(), http.MethodGet, "workshops/", nil)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Do() error = %v, want ErrUnauthorized", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Do() error = %#v, want *StatusError 401", err)
	}
	if got := b.refreshCalls.Load(); got != 1 {
		t.Fatalf("refresh calls = %d, want 1", got)
	}
	if got := b.protectedCalls.Load(); got != 2 {
		t.Fatalf("protected calls = %d, want 2", got)
	}
}

func TestRefreshedTokenUsedByLaterRequests(t *testing.T) {
	b := &fakeBackend{valid: "new", issue: "new"}
	c, _ := newTestClient(t, b, "old")

	if _, err := c.Do(context.Background(), http.MethodGet, "workshops/", nil); err != nil {
		t.Fatalf("first Do(): %v", err)
	}
	resp, err := c.Do(context.Background(), http.MethodGet, "workshops/", nil)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("second Do() = %v, %v", resp, err)
	}
	b.mu.Lock()
	last := b.lastAuth
	b.mu.Unlock()
	if last != "Bearer new" {
		t.Fatalf("Authorization = %q, want Bearer new", last)
	}
	if got := b.refreshCalls.Load(); got != 1 {
		t.Fatalf("refresh calls = %d, want 1", got)
	}
	if got := b.protectedCalls.Load(); got != 3 {
		t.Fatalf("protected calls = %d, want 3", got)
	}
}

func TestReplayResendsBody(t *testing.T) {
	b := &fakeBackend{valid: "new", issue: "new"}
	c, _ := newTestClient(t, b, "old")

	in := map[string]any{"vehicle": "KL-07-AB-1234", "issue": "brake noise"}
	resp, err := c.Do(context.Background(), http.MethodPost, "service-requests/", in)
	if err != nil {
		t.Fatalf("Do(): %v", err)
	}
	var out map[string]any
	if err := resp.Decode(&out); err != nil {
		t.Fatalf("Decode(): %v", err)
	}
	if out["vehicle"] != "KL-07-AB-1234" || out["issue"] != "brake noise" {
		t.Fatalf("echoed body = %v", out)
	}
}

func TestRefreshTimeoutCountsAsFailure(t *testing.T) {
	b := &fakeBackend{valid: "new", issue: "new"}
	var slow atomic.Bool
	slow.Store(true)
	b.refreshFn = func(w http.ResponseWriter, r *http.Request) {
		if slow.Load() {
			<-r.Context().Done()
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"access": "new"})
	}
	c, store := newTestClient(t, b, "old", func(o *Options) {
		o.RefreshTimeout = 50 * time.Millisecond
	})

	_, err := c.Do(context.Background(), http.MethodGet, "workshops/", nil)
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("Do() error = %v, want ErrSessionExpired", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Do() error = %v, want deadline exceeded inside", err)
	}

	// the in-flight flag was released, so the next failure refreshes again
	slow.Store(false)
	_ = store.Save(context.Background(), "old")
	resp, err := c.Do(context.Background(), http.MethodGet, "workshops/", nil)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("Do() after timeout = %v, %v", resp, err)
	}
	if got := b.refreshCalls.Load(); got != 2 {
		t.Fatalf("refresh calls = %d, want 2", got)
	}
}

func TestRefreshWithoutAccessFieldFails(t *testing.T) {
	b := &fakeBackend{valid: "new"}
	b.refreshFn = func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"detail":"ok"}`))
	}
	c, _ := newTestClient(t, b, "old")

	_, err := c.Do(context.Background(), http.MethodGet, "workshops/", nil)
	if !errors.Is(err, ErrNoAccessToken) || !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("Do() error = %v", err)
	}
}

func TestLoginFailureDoesNotRefresh(t *testing.T) {
	b := &fakeBackend{valid: "new", issue: "new"}
	c, store := newTestClient(t, b, "")

	_, err := c.Login(context.Background(), "asha@example.com", "wrong")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Login() error = %v, want ErrUnauthorized", err)
	}
	if got := b.refreshCalls.Load(); got != 0 {
		t.Fatalf("refresh calls = %d, want 0", got)
	}
	if tok, _ := store.Load(context.Background()); tok != "" {
		t.Fatalf("stored token = %q", tok)
	}
}

func TestLoginStoresTokenAndLogoutClears(t *testing.T) {
	b := &fakeBackend{valid: "fresh", issue: "fresh"}
	c, store := newTestClient(t, b, "")

	var got []string
	c.OnTokenChange(func(tok string) { got = append(got, tok) })

	res, err := c.Login(context.Background(), "asha@example.com", "s3cret")
	if err != nil {
		t.Fatalf("Login(): %v", err)
	}
	if res.Role != RoleWorkshop || res.FullName != "Asha K" {
		t.Fatalf("Login() = %+v", res)
	}
	if tok, _ := store.Load(context.Background()); tok != "fresh" {
		t.Fatalf("stored token = %q", tok)
	}

	sum, err := c.UnreadSummary(context.Background())
	if err != nil {
		t.Fatalf("UnreadSummary(): %v", err)
	}
	if sum.TotalUnreadCount != 3 || len(sum.Items) != 1 || sum.Items[0].CounterpartName != "Ravi Motors" {
		t.Fatalf("UnreadSummary() = %+v", sum)
	}

	// logout endpoint answers 500; the local session still ends
	if err := c.Logout(context.Background()); err != nil {
		t.Fatalf("Logout(): %v", err)
	}
	if tok, _ := store.Load(context.Background()); tok != "" {
		t.Fatalf("stored token after logout = %q", tok)
	}
	if len(got) != 2 || got[0] != "fresh" || got[1] != "" {
		t.Fatalf("token changes = %v", got)
	}
}

func TestNonUnauthorizedStatusPassesThrough(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/workshops/{id}/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"detail":"not found"}`))
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	c, err := NewClient(Options{BaseURL: srv.URL + "/api", Store: credentials.NewMemoryStore("tok")})
	if err != nil {
		t.Fatalf("NewClient(): %v", err)
	}
	resp, err := c.Do(context.Background(), http.MethodGet, "workshops/9/", nil)
	if err != nil {
		t.Fatalf("Do(): %v", err)
	}
	if resp.StatusCode != http.StatusNotFound || string(resp.Body) != `{"detail":"not found"}` {
		t.Fatalf("Do() = %d %s", resp.StatusCode, resp.Body)
	}

	err = c.GetJSON(context.Background(), "workshops/9/", &struct{}{})
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
		t.Fatalf("GetJSON() error = %v", err)
	}
}
