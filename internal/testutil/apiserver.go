// Package testutil provides a fake remote scanning API for tests. It issues
// and rotates bearer tokens, scripts scan job statuses, serves findings per
// timeframe and counts every call so tests can assert on traffic.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// Prefix is where the fake API is mounted; clients use URL()+Prefix as
// their base URL.
const Prefix = "/api"

// Default account accepted by the server.
const (
	DefaultEmail    = "analyst@example.com"
	DefaultPassword = "hunter22"
	DefaultUserID   = 7
)

// APIServer is a scriptable stand-in for the remote scanning service.
type APIServer struct {
	srv     *httptest.Server
	handler http.Handler

	mu            sync.Mutex
	accounts      map[string]string
	nextUserID    int
	userIDs       map[string]int
	tokenOwner    map[string]string // refresh token -> email
	access        map[string]string // valid access token -> email
	seq           int
	refreshFail   int // status to answer refresh with; 0 = succeed
	refreshDelay  time.Duration
	rotateRefresh bool

	statuses      []string
	scanID        string
	scanFail      bool
	resultsFail   bool
	resultsDelay  time.Duration
	findings      map[string]string
	findingsFail  bool
	lastScanURL   string
	authHeaders   []string
	refreshCalls  int
	scanCalls     int
	pollCalls     int
	scriptPos     int // position in statuses; restarts with every scan
	findingsCalls map[string]int
}

// New returns a fake API that is not listening yet; serve it with Handler.
func New() *APIServer {
	s := &APIServer{
		accounts:      map[string]string{DefaultEmail: DefaultPassword},
		userIDs:       map[string]int{DefaultEmail: DefaultUserID},
		nextUserID:    DefaultUserID + 1,
		tokenOwner:    make(map[string]string),
		access:        make(map[string]string),
		statuses:      []string{"completed"},
		scanID:        "scan-1",
		findings:      make(map[string]string),
		findingsCalls: make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+Prefix+"/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	mux.HandleFunc("POST "+Prefix+"/auth/signin", s.handleSignin)
	mux.HandleFunc("POST "+Prefix+"/auth/signup", s.handleSignup)
	mux.HandleFunc("POST "+Prefix+"/auth/token/refresh", s.handleRefresh)
	mux.HandleFunc("GET "+Prefix+"/me", s.authed(s.handleMe))
	mux.HandleFunc("POST "+Prefix+"/scan", s.authed(s.handleScan))
	mux.HandleFunc("GET "+Prefix+"/results/{id}", s.authed(s.handleResults))
	mux.HandleFunc("GET "+Prefix+"/findings", s.authed(s.handleFindings))
	s.handler = mux
	return s
}

// NewAPIServer starts a fake API with the default account registered.
// The returned server should be closed after use.
func NewAPIServer() *APIServer {
	s := New()
	s.srv = httptest.NewServer(s.handler)
	return s
}

// Handler serves the fake API.
func (s *APIServer) Handler() http.Handler { return s.handler }

// URL is the server root, or "" when the server was built with New.
func (s *APIServer) URL() string {
	if s.srv == nil {
		return ""
	}
	return s.srv.URL
}

// BaseURL is the API base clients should be configured with.
func (s *APIServer) BaseURL() string { return s.URL() + Prefix }

// Close shuts the server down.
func (s *APIServer) Close() {
	if s.srv != nil {
		s.srv.Close()
	}
}

// --------------------------------------------------------------------------
// Scripting
// --------------------------------------------------------------------------

// IssueTokens mints a valid token pair for the default account without a
// sign-in round trip.
func (s *APIServer) IssueTokens() (access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked(DefaultEmail)
}

// ExpireAccessTokens invalidates every access token; refresh tokens stay valid.
func (s *APIServer) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = make(map[string]string)
}

// RejectAllAccessTokens makes the server answer 401 to every bearer,
// including freshly refreshed ones.
func (s *APIServer) RejectAllAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = nil
}

// FailRefresh makes the refresh endpoint answer status (0 restores success).
func (s *APIServer) FailRefresh(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshFail = status
}

// SetRefreshDelay delays refresh responses, widening the window in which
// concurrent callers can pile up behind one refresh.
func (s *APIServer) SetRefreshDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshDelay = d
}

// RotateRefreshTokens makes refresh responses carry a new refresh token.
func (s *APIServer) RotateRefreshTokens(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotateRefresh = on
}

// SetStatuses scripts the status returned by successive polls of a scan;
// the last status repeats once the script is exhausted. The script
// restarts for every submitted scan.
func (s *APIServer) SetStatuses(statuses ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = statuses
	s.pollCalls = 0
	s.scriptPos = 0
}

// SetScanID sets the id handed out by the scan endpoint.
func (s *APIServer) SetScanID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanID = id
}

// FailScan makes the scan endpoint answer 500.
func (s *APIServer) FailScan(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanFail = on
}

// FailResults makes the results endpoint answer 502.
func (s *APIServer) FailResults(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resultsFail = on
}

// SetResultsDelay delays every results response.
func (s *APIServer) SetResultsDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resultsDelay = d
}

// SetFindings sets the raw JSON body served for timeframe.
func (s *APIServer) SetFindings(timeframe, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findings[timeframe] = body
}

// FailFindings makes the findings endpoint answer 503.
func (s *APIServer) FailFindings(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findingsFail = on
}

// --------------------------------------------------------------------------
// Counters
// --------------------------------------------------------------------------

// RefreshCalls returns how many refresh requests were received.
func (s *APIServer) RefreshCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshCalls
}

// ScanCalls returns how many scans were submitted.
func (s *APIServer) ScanCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanCalls
}

// PollCalls returns how many result polls were received since the last
// SetStatuses.
func (s *APIServer) PollCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pollCalls
}

// FindingsCalls returns how many findings fetches were made for timeframe.
func (s *APIServer) FindingsCalls(timeframe string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findingsCalls[timeframe]
}

// LastScanURL returns the url of the most recent scan submission.
func (s *APIServer) LastScanURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastScanURL
}

// AuthHeaders returns every Authorization header seen on protected routes.
func (s *APIServer) AuthHeaders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.authHeaders...)
}

// --------------------------------------------------------------------------
// Handlers
// --------------------------------------------------------------------------

func (s *APIServer) issueLocked(email string) (access, refresh string) {
	s.seq++
	access = fmt.Sprintf("access-%d", s.seq)
	refresh = fmt.Sprintf("refresh-%d", s.seq)
	if s.access != nil {
		s.access[access] = email
	}
	s.tokenOwner[refresh] = email
	return access, refresh
}

func (s *APIServer) authed(next func(w http.ResponseWriter, r *http.Request, email string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")

		s.mu.Lock()
		s.authHeaders = append(s.authHeaders, header)
		email, ok := s.access[strings.TrimPrefix(header, "Bearer ")]
		s.mu.Unlock()

		if !ok || !strings.HasPrefix(header, "Bearer ") {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"detail": "Given token not valid for any token type",
			})
			return
		}
		next(w, r, email)
	}
}

func (s *APIServer) handleSignin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Malformed request."})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if pw, ok := s.accounts[body.Email]; !ok || pw != body.Password {
		writeJSON(w, http.StatusBadRequest, map[string][]string{
			"non_field_errors": {"Unable to log in with provided credentials."},
		})
		return
	}
	access, refresh := s.issueLocked(body.Email)
	writeJSON(w, http.StatusOK, map[string]string{
		"access": access, "refresh": refresh, "message": "Login successful",
	})
}

func (s *APIServer) handleSignup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Malformed request."})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[body.Email]; exists {
		writeJSON(w, http.StatusBadRequest, map[string][]string{
			"email": {"user with this email already exists."},
		})
		return
	}
	s.accounts[body.Email] = body.Password
	s.userIDs[body.Email] = s.nextUserID
	s.nextUserID++
	access, refresh := s.issueLocked(body.Email)
	writeJSON(w, http.StatusCreated, map[string]string{
		"access": access, "refresh": refresh, "message": "User created",
	})
}

func (s *APIServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Refresh string `json:"refresh"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	s.mu.Lock()
	s.refreshCalls++
	delay := s.refreshDelay
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refreshFail != 0 {
		writeJSON(w, s.refreshFail, map[string]string{"detail": "Token is invalid or expired"})
		return
	}
	email, ok := s.tokenOwner[body.Refresh]
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Token is invalid or expired"})
		return
	}

	s.seq++
	access := fmt.Sprintf("access-%d", s.seq)
	if s.access != nil {
		s.access[access] = email
	}
	resp := map[string]string{"access": access}
	if s.rotateRefresh {
		delete(s.tokenOwner, body.Refresh)
		refresh := fmt.Sprintf("refresh-%d", s.seq)
		s.tokenOwner[refresh] = email
		resp["refresh"] = refresh
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) handleMe(w http.ResponseWriter, r *http.Request, email string) {
	s.mu.Lock()
	id := s.userIDs[email]
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "email": email})
}

func (s *APIServer) handleScan(w http.ResponseWriter, r *http.Request, _ string) {
	var body struct {
		URL string `json:"url"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanCalls++
	s.scriptPos = 0
	s.lastScanURL = body.URL
	if s.scanFail {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "scanner unavailable"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"scan_id": s.scanID})
}

func (s *APIServer) handleResults(w http.ResponseWriter, r *http.Request, _ string) {
	s.mu.Lock()
	s.pollCalls++
	s.scriptPos++
	n := s.scriptPos
	delay := s.resultsDelay
	fail := s.resultsFail
	known := r.PathValue("id") == s.scanID
	status := "pending"
	if len(s.statuses) > 0 {
		idx := n - 1
		if idx >= len(s.statuses) {
			idx = len(s.statuses) - 1
		}
		status = s.statuses[idx]
	}
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		writeJSON(w, http.StatusBadGateway, map[string]string{"detail": "upstream unavailable"})
		return
	}
	if !known {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *APIServer) handleFindings(w http.ResponseWriter, r *http.Request, _ string) {
	tf := r.URL.Query().Get("timeframe")

	s.mu.Lock()
	s.findingsCalls[tf]++
	fail := s.findingsFail
	body, ok := s.findings[tf]
	s.mu.Unlock()

	if fail {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"detail": "try again later"})
		return
	}
	if !ok {
		body = "[]"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
