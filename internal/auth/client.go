package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/nimiglory/cyra/internal/transport"
)

// Paths are the authentication endpoints, relative to the API base.
type Paths struct {
	Signup  string
	Signin  string
	Refresh string
	Me      string
}

// DefaultPaths returns the standard endpoint layout.
func DefaultPaths() Paths {
	return Paths{
		Signup:  "/auth/signup",
		Signin:  "/auth/signin",
		Refresh: "/auth/token/refresh",
		Me:      "/me",
	}
}

// Messages shown when an error body carries nothing usable.
const (
	signinFallback = "Invalid email or password"
	signupFallback = "Signup failed"
)

var (
	signinFields = []string{"non_field_errors", "detail"}
	signupFields = []string{"email", "username", "password", "non_field_errors", "detail"}
)

// refreshKey is the single singleflight key: there is one refresh
// operation per client, whoever triggers it.
const refreshKey = "refresh"

// Client sends authenticated requests on behalf of a Session.
type Client struct {
	transport   transport.Client
	session     *Session
	paths       Paths
	logger      *slog.Logger
	onLoggedOut func()

	refreshGroup singleflight.Group
}

// Option configures a Client.
type Option func(*Client)

// WithPaths overrides the authentication endpoints.
func WithPaths(p Paths) Option {
	return func(c *Client) {
		c.paths = p
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithLoggedOutHook registers fn to run after credentials are wiped
// because they could not be refreshed.
func WithLoggedOutHook(fn func()) Option {
	return func(c *Client) {
		c.onLoggedOut = fn
	}
}

// NewClient creates a Client sending through t on behalf of s.
func NewClient(t transport.Client, s *Session, opts ...Option) *Client {
	c := &Client{
		transport: t,
		session:   s,
		paths:     DefaultPaths(),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Session returns the session this client acts for.
func (c *Client) Session() *Session {
	return c.session
}

// UserID returns the signed-in user's id, or "anonymous".
func (c *Client) UserID() string {
	return c.session.UserID()
}

// Do sends method path with an optional JSON body, carrying the current
// access token. On 401 it refreshes the token (shared with any concurrent
// caller) and retries once with the fresh token. A 401 on the retry is
// returned as an *APIError; other non-2xx statuses are returned unchanged
// as *APIError without retrying.
func (c *Client) Do(ctx context.Context, method, path string, body any) (*transport.Response, error) {
	req, err := newRequest(method, path, body)
	if err != nil {
		return nil, err
	}

	token := c.session.AccessToken()
	resp, err := c.send(ctx, req, token)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.logger.Debug("unauthorized, refreshing credentials",
			"method", method, "path", path, "request_id", req.Headers["X-Request-ID"])

		fresh, err := c.refreshAfter(ctx, token)
		if err != nil {
			return nil, err
		}
		if resp, err = c.send(ctx, req, fresh); err != nil {
			return nil, err
		}
	}

	if !resp.OK() {
		return nil, newAPIError(resp.StatusCode, resp.Body, genericFields, "")
	}
	return resp, nil
}

// send issues req with token as the bearer credential.
func (c *Client) send(ctx context.Context, req *transport.Request, token string) (*transport.Response, error) {
	r := req.Clone()
	if token != "" {
		r.SetHeader("Authorization", "Bearer "+token)
	}
	resp, err := c.transport.Do(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", r.Method, r.Path, err)
	}
	return resp, nil
}

// refreshAfter returns an access token newer than stale. If another caller
// already replaced stale, that token is reused without a network call.
// Otherwise one refresh runs and every concurrent caller waits for it; the
// in-flight call is forgotten once it settles, so a later expiry triggers
// a new refresh.
func (c *Client) refreshAfter(ctx context.Context, stale string) (string, error) {
	v, err, shared := c.refreshGroup.Do(refreshKey, func() (any, error) {
		if cur := c.session.AccessToken(); cur != "" && cur != stale {
			return cur, nil
		}
		// Waiters share this call, so it must not die with the
		// first caller's context.
		return c.refresh(context.WithoutCancel(ctx))
	})
	if err != nil {
		return "", err
	}
	if shared {
		c.logger.Debug("joined in-flight credential refresh")
	}
	return v.(string), nil
}

type tokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// refresh exchanges the refresh token for a new access token. Any failure
// is irrecoverable and tears the session down; a session that holds no
// credentials at all is left alone, so the logged-out hook fires once per
// expiry.
func (c *Client) refresh(ctx context.Context) (string, error) {
	rt := c.session.RefreshToken()
	if rt == "" {
		if !c.session.Authenticated() {
			// Already signed out, possibly by an earlier failed refresh.
			return "", fmt.Errorf("%w: %w", ErrSessionExpired, ErrNoRefreshToken)
		}
		return "", c.expire(ctx, ErrNoRefreshToken)
	}

	body, err := json.Marshal(map[string]string{"refresh": rt})
	if err != nil {
		return "", c.expire(ctx, err)
	}

	resp, err := c.transport.Do(ctx, &transport.Request{
		Method:      http.MethodPost,
		Path:        c.paths.Refresh,
		Body:        body,
		ContentType: "application/json",
	})
	if err != nil {
		return "", c.expire(ctx, fmt.Errorf("refresh request: %w", err))
	}
	if !resp.OK() {
		return "", c.expire(ctx, newAPIError(resp.StatusCode, resp.Body, genericFields, ""))
	}

	var pair tokenPair
	if err := resp.DecodeJSON(&pair); err != nil {
		return "", c.expire(ctx, fmt.Errorf("refresh response: %w", err))
	}
	if pair.Access == "" {
		return "", c.expire(ctx, errors.New("refresh response: missing access token"))
	}

	if err := c.session.SetTokens(ctx, pair.Access, pair.Refresh); err != nil {
		// The in-memory token is already updated.
		c.logger.Warn("persisting refreshed credentials failed", "error", err)
	}
	c.logger.Debug("credentials refreshed", "rotated", pair.Refresh != "")
	return pair.Access, nil
}

// expire wipes the session, signals the logged-out hook and returns the
// error every waiter will see.
func (c *Client) expire(ctx context.Context, cause error) error {
	if err := c.session.Teardown(ctx); err != nil {
		c.logger.Warn("clearing credentials failed", "error", err)
	}
	c.logger.Warn("credential refresh failed, session cleared", "error", cause)
	if c.onLoggedOut != nil {
		c.onLoggedOut()
	}
	return fmt.Errorf("%w: %w", ErrSessionExpired, cause)
}

// Credentials are posted to the sign-in endpoint.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignupRequest is posted to the sign-up endpoint.
type SignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Username string `json:"username,omitempty"`
}

// Login signs in, stores the issued credentials and loads the profile.
func (c *Client) Login(ctx context.Context, email, password string) (*User, error) {
	creds := Credentials{Email: email, Password: password}
	if err := c.obtainTokens(ctx, c.paths.Signin, creds, signinFields, signinFallback); err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}
	c.logger.Info("signed in", "email", email)
	return c.Me(ctx)
}

// Signup registers an account, stores the issued credentials and loads
// the profile.
func (c *Client) Signup(ctx context.Context, req SignupRequest) (*User, error) {
	if err := c.obtainTokens(ctx, c.paths.Signup, req, signupFields, signupFallback); err != nil {
		return nil, fmt.Errorf("sign up: %w", err)
	}
	c.logger.Info("signed up", "email", req.Email)
	return c.Me(ctx)
}

// obtainTokens posts payload anonymously and stores the returned pair. It
// bypasses the refresh interceptor: a 401 here means bad credentials.
func (c *Client) obtainTokens(ctx context.Context, path string, payload any, fields []string, fallback string) error {
	req, err := newRequest(http.MethodPost, path, payload)
	if err != nil {
		return err
	}
	resp, err := c.send(ctx, req, "")
	if err != nil {
		return err
	}
	if !resp.OK() {
		return newAPIError(resp.StatusCode, resp.Body, fields, fallback)
	}

	var pair tokenPair
	if err := resp.DecodeJSON(&pair); err != nil {
		return err
	}
	if pair.Access == "" {
		return errors.New("token response missing access token")
	}
	return c.session.SetTokens(ctx, pair.Access, pair.Refresh)
}

// Me fetches the signed-in user's profile and records it on the session.
func (c *Client) Me(ctx context.Context) (*User, error) {
	resp, err := c.Do(ctx, http.MethodGet, c.paths.Me, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch profile: %w", err)
	}

	var u User
	if err := resp.DecodeJSON(&u); err != nil {
		return nil, fmt.Errorf("fetch profile: %w", err)
	}
	c.session.SetUser(&u)
	return &u, nil
}

// Restore hydrates the session from the store and, when credentials are
// present, loads the profile. Credentials the server rejects are cleared;
// on a transport failure they are kept so the client can run degraded.
// It returns (nil, nil) when no credentials are stored.
func (c *Client) Restore(ctx context.Context) (*User, error) {
	if err := c.session.Init(ctx); err != nil {
		return nil, err
	}
	if !c.session.Authenticated() {
		return nil, nil
	}

	u, err := c.Me(ctx)
	if err == nil {
		return u, nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) || errors.Is(err, ErrSessionExpired) {
		if terr := c.session.Teardown(ctx); terr != nil {
			c.logger.Warn("clearing rejected credentials failed", "error", terr)
		}
	}
	return nil, err
}

// Logout clears the session. There is no server-side logout endpoint.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.session.Teardown(ctx); err != nil {
		return err
	}
	c.logger.Info("signed out")
	return nil
}

// newRequest builds a transport request with a JSON body and a request id
// that the retry shares with the original attempt.
func newRequest(method, path string, body any) (*transport.Request, error) {
	req := &transport.Request{Method: method, Path: path}
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		req.Body = b
		req.ContentType = "application/json"
	}
	req.SetHeader("X-Request-ID", uuid.NewString())
	return req, nil
}
