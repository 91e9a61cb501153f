package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nimiglory/cyra/internal/store"
	"github.com/nimiglory/cyra/internal/testutil"
	"github.com/nimiglory/cyra/internal/transport"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTransport(t *testing.T, baseURL string) transport.Client {
	t.Helper()
	tc, err := transport.NewClient(transport.ClientOptions{
		BaseURL: baseURL,
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("transport.NewClient: %v", err)
	}
	return tc
}

type fixture struct {
	api       *testutil.APIServer
	store     *store.SQLiteStore
	session   *Session
	client    *Client
	loggedOut atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{api: testutil.NewAPIServer(), store: newMemStore(t)}
	t.Cleanup(f.api.Close)

	f.session = NewSession(f.store, nil)
	f.client = NewClient(newTransport(t, f.api.BaseURL()), f.session,
		WithLoggedOutHook(func() { f.loggedOut.Add(1) }))
	return f
}

// signIn gives the session a valid token pair without a sign-in request.
func (f *fixture) signIn(t *testing.T) (access, refresh string) {
	t.Helper()
	access, refresh = f.api.IssueTokens()
	if err := f.session.SetTokens(context.Background(), access, refresh); err != nil {
		t.Fatalf("SetTokens: %v", err)
	}
	return access, refresh
}

// ---------------------------------------------------------------------------
// Bearer attachment
// ---------------------------------------------------------------------------

func TestClient_AttachesBearer(t *testing.T) {
	f := newFixture(t)
	access, _ := f.signIn(t)

	if _, err := f.client.Do(context.Background(), http.MethodGet, "/me", nil); err != nil {
		t.Fatalf("Do: %v", err)
	}
	headers := f.api.AuthHeaders()
	if len(headers) != 1 || headers[0] != "Bearer "+access {
		t.Errorf("Authorization headers = %v", headers)
	}
	if f.api.RefreshCalls() != 0 {
		t.Errorf("RefreshCalls = %d, want 0", f.api.RefreshCalls())
	}
}

func TestClient_AnonymousRequestHasNoBearer(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	c := NewClient(newTransport(t, srv.URL), NewSession(nil, nil))
	if _, err := c.Do(context.Background(), http.MethodGet, "/public", nil); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != "" {
		t.Errorf("Authorization = %q, want none", got)
	}
}

// ---------------------------------------------------------------------------
// Refresh and retry
// ---------------------------------------------------------------------------

func TestClient_RefreshesAndRetriesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	stale, _ := f.signIn(t)
	f.api.ExpireAccessTokens()

	resp, err := f.client.Do(ctx, http.MethodGet, "/me", nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !resp.OK() {
		t.Errorf("StatusCode = %d", resp.StatusCode)
	}
	if f.api.RefreshCalls() != 1 {
		t.Errorf("RefreshCalls = %d, want 1", f.api.RefreshCalls())
	}

	fresh := f.session.AccessToken()
	if fresh == "" || fresh == stale {
		t.Fatalf("access token not replaced: %q", fresh)
	}
	if persisted, _, _ := f.store.Get(ctx, store.KeyAccess); persisted != fresh {
		t.Errorf("persisted access = %q, want %q", persisted, fresh)
	}

	headers := f.api.AuthHeaders()
	if len(headers) != 2 || headers[0] != "Bearer "+stale || headers[1] != "Bearer "+fresh {
		t.Errorf("Authorization headers = %v", headers)
	}
}

func TestClient_RetryReusesRequestID(t *testing.T) {
	var (
		mu  sync.Mutex
		ids []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/token/refresh":
			fmt.Fprint(w, `{"access":"new"}`)
		default:
			mu.Lock()
			ids = append(ids, r.Header.Get("X-Request-ID"))
			mu.Unlock()
			if r.Header.Get("Authorization") != "Bearer new" {
				w.WriteHeader(http.StatusUnauthorized)
			}
		}
	}))
	defer srv.Close()

	s := NewSession(nil, nil)
	_ = s.SetTokens(context.Background(), "old", "r")
	c := NewClient(newTransport(t, srv.URL), s)

	if _, err := c.Do(context.Background(), http.MethodPost, "/scan", map[string]string{"url": "x"}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if len(ids) != 2 || ids[0] == "" || ids[0] != ids[1] {
		t.Errorf("request ids = %v, want the same id twice", ids)
	}
}

func TestClient_RotatedRefreshTokenIsStored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, oldRefresh := f.signIn(t)
	f.api.RotateRefreshTokens(true)
	f.api.ExpireAccessTokens()

	if _, err := f.client.Do(ctx, http.MethodGet, "/me", nil); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got := f.session.RefreshToken(); got == oldRefresh || got == "" {
		t.Errorf("refresh token = %q, want rotated", got)
	}
	if persisted, _, _ := f.store.Get(ctx, store.KeyRefresh); persisted != f.session.RefreshToken() {
		t.Errorf("persisted refresh = %q", persisted)
	}
}

func TestClient_SingleFlightRefresh(t *testing.T) {
	const n = 10
	ctx := context.Background()
	f := newFixture(t)
	f.signIn(t)
	f.api.SetRefreshDelay(100 * time.Millisecond)
	f.api.ExpireAccessTokens()

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make(chan error, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.client.Do(ctx, http.MethodGet, "/me", nil)
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Do: %v", err)
		}
	}
	if got := f.api.RefreshCalls(); got != 1 {
		t.Errorf("RefreshCalls = %d, want exactly 1", got)
	}

	fresh := "Bearer " + f.session.AccessToken()
	retried := 0
	for _, h := range f.api.AuthHeaders() {
		if h == fresh {
			retried++
		}
	}
	if retried != n {
		t.Errorf("%d requests carried the refreshed token, want %d", retried, n)
	}
}

func TestClient_SecondUnauthorizedIsFinal(t *testing.T) {
	f := newFixture(t)
	f.signIn(t)
	f.api.RejectAllAccessTokens()

	_, err := f.client.Do(context.Background(), http.MethodGet, "/me", nil)
	if !IsUnauthorized(err) {
		t.Fatalf("Do error = %v, want 401 APIError", err)
	}
	if errors.Is(err, ErrSessionExpired) {
		t.Error("a rejected retry must not be reported as an expired session")
	}
	if got := f.api.RefreshCalls(); got != 1 {
		t.Errorf("RefreshCalls = %d, want 1", got)
	}
	if got := len(f.api.AuthHeaders()); got != 2 {
		t.Errorf("request sent %d times, want 2", got)
	}
	if !f.session.Authenticated() {
		t.Error("session torn down although the refresh itself succeeded")
	}
}

// ---------------------------------------------------------------------------
// Irrecoverable refresh failures
// ---------------------------------------------------------------------------

func TestClient_RefreshRejectedClearsSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.signIn(t)
	f.api.FailRefresh(http.StatusUnauthorized)
	f.api.ExpireAccessTokens()

	_, err := f.client.Do(ctx, http.MethodGet, "/me", nil)
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("Do error = %v, want ErrSessionExpired", err)
	}
	if f.session.AccessToken() != "" || f.session.RefreshToken() != "" {
		t.Error("credentials kept in memory after failed refresh")
	}
	for _, key := range []string{store.KeyAccess, store.KeyRefresh} {
		if _, ok, _ := f.store.Get(ctx, key); ok {
			t.Errorf("%q still persisted after failed refresh", key)
		}
	}
	if got := f.loggedOut.Load(); got != 1 {
		t.Errorf("logged-out hook fired %d times, want 1", got)
	}

	// Nothing afterwards may carry the stale bearer.
	_, err = f.client.Do(ctx, http.MethodGet, "/me", nil)
	if !errors.Is(err, ErrSessionExpired) {
		t.Errorf("request after logout error = %v, want ErrSessionExpired", err)
	}
	headers := f.api.AuthHeaders()
	if last := headers[len(headers)-1]; last != "" {
		t.Errorf("request after logout carried %q", last)
	}
	if got := f.loggedOut.Load(); got != 1 {
		t.Errorf("logged-out hook fired %d times after a later request, want 1", got)
	}
}

func TestClient_LateRequestsAfterFailedRefreshSignalOnce(t *testing.T) {
	const n = 8
	ctx := context.Background()
	f := newFixture(t)
	f.signIn(t)
	f.api.FailRefresh(http.StatusUnauthorized)
	f.api.SetRefreshDelay(30 * time.Millisecond)
	f.api.ExpireAccessTokens()

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(delay time.Duration) {
			defer wg.Done()
			time.Sleep(delay)
			_, err := f.client.Do(ctx, http.MethodGet, "/me", nil)
			errs <- err
		}(time.Duration(i) * 15 * time.Millisecond)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if !errors.Is(err, ErrSessionExpired) {
			t.Errorf("Do error = %v, want ErrSessionExpired", err)
		}
	}
	if got := f.api.RefreshCalls(); got != 1 {
		t.Errorf("RefreshCalls = %d, want 1", got)
	}
	if got := f.loggedOut.Load(); got != 1 {
		t.Errorf("logged-out hook fired %d times, want 1", got)
	}
}

func TestClient_NoRefreshToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	access, _ := f.api.IssueTokens()
	_ = f.session.SetTokens(ctx, access, "")
	f.api.ExpireAccessTokens()

	_, err := f.client.Do(ctx, http.MethodGet, "/me", nil)
	if !errors.Is(err, ErrSessionExpired) || !errors.Is(err, ErrNoRefreshToken) {
		t.Fatalf("Do error = %v, want ErrSessionExpired wrapping ErrNoRefreshToken", err)
	}
	if f.api.RefreshCalls() != 0 {
		t.Errorf("RefreshCalls = %d, want 0", f.api.RefreshCalls())
	}
	if f.loggedOut.Load() != 1 {
		t.Error("logged-out hook not fired")
	}
}

func TestClient_MalformedRefreshBody(t *testing.T) {
	for name, body := range map[string]string{
		"not json":       `<html>gateway</html>`,
		"missing access": `{"token":"x"}`,
	} {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/auth/token/refresh" {
					fmt.Fprint(w, body)
					return
				}
				w.WriteHeader(http.StatusUnauthorized)
			}))
			defer srv.Close()

			s := NewSession(nil, nil)
			_ = s.SetTokens(context.Background(), "a", "r")
			c := NewClient(newTransport(t, srv.URL), s)

			_, err := c.Do(context.Background(), http.MethodGet, "/me", nil)
			if !errors.Is(err, ErrSessionExpired) {
				t.Fatalf("Do error = %v, want ErrSessionExpired", err)
			}
			if s.Authenticated() {
				t.Error("session kept after malformed refresh body")
			}
		})
	}
}

func TestClient_RefreshNetworkFailure(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := NewSession(nil, nil)
	_ = s.SetTokens(context.Background(), "a", "r")
	paths := DefaultPaths()
	paths.Refresh = deadURL + "/auth/token/refresh"
	c := NewClient(newTransport(t, srv.URL), s, WithPaths(paths))

	_, err := c.Do(context.Background(), http.MethodGet, "/me", nil)
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("Do error = %v, want ErrSessionExpired", err)
	}
	if s.Authenticated() {
		t.Error("session kept after refresh network failure")
	}
}

// ---------------------------------------------------------------------------
// Non-auth errors pass through
// ---------------------------------------------------------------------------

func TestClient_NonAuthErrorPassesThrough(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"detail":"scanner crashed"}`)
	}))
	defer srv.Close()

	s := NewSession(nil, nil)
	_ = s.SetTokens(context.Background(), "a", "r")
	c := NewClient(newTransport(t, srv.URL), s)

	_, err := c.Do(context.Background(), http.MethodGet, "/results/1", nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Do error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusInternalServerError || apiErr.Message != "scanner crashed" {
		t.Errorf("APIError = %+v", apiErr)
	}
	if calls.Load() != 1 {
		t.Errorf("server saw %d calls, want 1 (no retry)", calls.Load())
	}
	if !s.Authenticated() {
		t.Error("non-auth error cleared the session")
	}
}

// ---------------------------------------------------------------------------
// Login / signup / restore
// ---------------------------------------------------------------------------

func TestClient_LoginStoresTokensAndProfile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	u, err := f.client.Login(ctx, testutil.DefaultEmail, testutil.DefaultPassword)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if u.ID != fmt.Sprint(testutil.DefaultUserID) || u.Email != testutil.DefaultEmail {
		t.Errorf("user = %+v", u)
	}
	if f.client.UserID() != u.ID {
		t.Errorf("UserID = %q, want %q", f.client.UserID(), u.ID)
	}
	for _, key := range []string{store.KeyAccess, store.KeyRefresh} {
		if v, ok, _ := f.store.Get(ctx, key); !ok || v == "" {
			t.Errorf("%q not persisted after login", key)
		}
	}
}

func TestClient_LoginErrorMessages(t *testing.T) {
	f := newFixture(t)

	_, err := f.client.Login(context.Background(), testutil.DefaultEmail, "wrong")
	if err == nil {
		t.Fatal("Login with wrong password succeeded")
	}
	if got := UserMessage(err); got != "Unable to log in with provided credentials." {
		t.Errorf("UserMessage = %q", got)
	}
	if f.api.RefreshCalls() != 0 {
		t.Error("failed login triggered a refresh")
	}
}

func TestClient_SignupErrorMessages(t *testing.T) {
	f := newFixture(t)

	_, err := f.client.Signup(context.Background(), SignupRequest{
		Email: testutil.DefaultEmail, Password: "x",
	})
	if got := UserMessage(err); got != "user with this email already exists." {
		t.Errorf("UserMessage = %q", got)
	}

	u, err := f.client.Signup(context.Background(), SignupRequest{
		Email: "new@example.com", Password: "pw",
	})
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}
	if u.Email != "new@example.com" {
		t.Errorf("user = %+v", u)
	}
}

func TestClient_MessageFallbacks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `<html>bad gateway</html>`)
	}))
	defer srv.Close()

	c := NewClient(newTransport(t, srv.URL), NewSession(nil, nil))

	_, err := c.Login(context.Background(), "a@b", "c")
	if got := UserMessage(err); got != signinFallback {
		t.Errorf("login UserMessage = %q, want %q", got, signinFallback)
	}
	_, err = c.Signup(context.Background(), SignupRequest{Email: "a@b"})
	if got := UserMessage(err); got != signupFallback {
		t.Errorf("signup UserMessage = %q, want %q", got, signupFallback)
	}
}

func TestClient_RestoreCases(t *testing.T) {
	ctx := context.Background()

	t.Run("no stored credentials", func(t *testing.T) {
		f := newFixture(t)
		u, err := f.client.Restore(ctx)
		if u != nil || err != nil {
			t.Errorf("Restore = (%v, %v), want (nil, nil)", u, err)
		}
	})

	t.Run("valid stored credentials", func(t *testing.T) {
		f := newFixture(t)
		access, refresh := f.api.IssueTokens()
		_ = f.store.Set(ctx, store.KeyAccess, access)
		_ = f.store.Set(ctx, store.KeyRefresh, refresh)

		u, err := f.client.Restore(ctx)
		if err != nil {
			t.Fatalf("Restore: %v", err)
		}
		if u == nil || u.Email != testutil.DefaultEmail {
			t.Errorf("user = %+v", u)
		}
	})

	t.Run("rejected stored credentials", func(t *testing.T) {
		f := newFixture(t)
		_ = f.store.Set(ctx, store.KeyAccess, "forged")
		_ = f.store.Set(ctx, store.KeyRefresh, "forged")

		if _, err := f.client.Restore(ctx); err == nil {
			t.Fatal("Restore with forged tokens succeeded")
		}
		if _, ok, _ := f.store.Get(ctx, store.KeyAccess); ok {
			t.Error("forged access token kept")
		}
	})
}

func TestClient_Logout(t *testing.T) {
	f := newFixture(t)
	f.signIn(t)

	if err := f.client.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if f.session.Authenticated() {
		t.Error("still authenticated after Logout")
	}
	if f.loggedOut.Load() != 0 {
		t.Error("explicit logout fired the session-expired hook")
	}
}
