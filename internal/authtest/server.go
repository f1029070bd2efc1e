package authtest

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/goSession/jwt"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Config configures a Server. Zero values get test-friendly defaults.
type Config struct {
	AccessTTL time.Duration
	Secret    []byte
	Issuer    string
	Now       func() time.Time
}

// Counters is a snapshot of what the server observed.
type Counters struct {
	Logins        int64
	RefreshCalls  int64
	Rotations     int64
	Rejections    int64
	ReuseDetected int64
	Resources     int64
	Unauthorized  int64
}

// Expense is the sample resource served under /expenses/.
type Expense struct {
	ID       string  `json:"id"`
	Amount   float64 `json:"amount"`
	Category string  `json:"category"`
	Note     string  `json:"note,omitempty"`
}

type account struct {
	passwordHash string
	expenses     []Expense
}

// session is one login. Only the hash of its current refresh token is kept.
type session struct {
	username    string
	refreshHash [32]byte
}

// Server is an httptest-backed finance API.
type Server struct {
	srv    *httptest.Server
	issuer *jwt.Issuer

	mu       sync.Mutex
	accounts map[string]*account
	sessions map[string]*session
	live     map[string]struct{}

	faultMu       sync.Mutex
	refreshStatus int
	dropRefresh   bool
	refreshDelay  time.Duration
	refreshGate   chan struct{}
	denyResources bool

	logins        atomic.Int64
	refreshCalls  atomic.Int64
	rotations     atomic.Int64
	rejections    atomic.Int64
	reuseDetected atomic.Int64
	resources     atomic.Int64
	unauthorized  atomic.Int64
}

// NewServer starts a server. Close it when done.
func NewServer(cfg Config) (*Server, error) {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 5 * time.Minute
	}
	if len(cfg.Secret) == 0 {
		cfg.Secret = []byte("authtest-secret-0123456789abcdef")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "authtest"
	}

	issuer, err := jwt.NewIssuer(jwt.IssuerConfig{
		Secret: cfg.Secret,
		TTL:    cfg.AccessTTL,
		Issuer: cfg.Issuer,
		Now:    cfg.Now,
	})
	if err != nil {
		return nil, err
	}

	s := &Server{
		issuer:   issuer,
		accounts: make(map[string]*account),
		sessions: make(map[string]*session),
		live:     make(map[string]struct{}),
	}
	s.srv = httptest.NewServer(s.routes())
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Post("/accounts/token/", s.handleLogin)
	r.Post("/accounts/token/refresh/", s.handleRefresh)
	r.Post("/register/", s.handleRegister)

	r.Group(func(r chi.Router) {
		r.Use(s.requireBearer)
		r.Get("/expenses/", s.handleListExpenses)
		r.Post("/expenses/", s.handleCreateExpense)
		r.Get("/user_profile/", s.handleProfile)
	})

	return r
}

// URL is the base URL, with a trailing slash.
func (s *Server) URL() string {
	return s.srv.URL + "/"
}

func (s *Server) Client() *http.Client {
	return s.srv.Client()
}

func (s *Server) Close() {
	s.faultMu.Lock()
	if s.refreshGate != nil {
		close(s.refreshGate)
		s.refreshGate = nil
	}
	s.faultMu.Unlock()
	s.srv.Close()
}

// AddUser registers an account directly.
func (s *Server) AddUser(username, password string) error {
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[username]; exists {
		return errors.New("user already exists")
	}
	s.accounts[username] = &account{passwordHash: hash}
	return nil
}

func (s *Server) Counters() Counters {
	return Counters{
		Logins:        s.logins.Load(),
		RefreshCalls:  s.refreshCalls.Load(),
		Rotations:     s.rotations.Load(),
		Rejections:    s.rejections.Load(),
		ReuseDetected: s.reuseDetected.Load(),
		Resources:     s.resources.Load(),
		Unauthorized:  s.unauthorized.Load(),
	}
}

/*
====================================
FAULT INJECTION
====================================
*/

// SetRefreshStatus makes every refresh call answer status. 0 restores normal behaviour.
func (s *Server) SetRefreshStatus(status int) {
	s.faultMu.Lock()
	s.refreshStatus = status
	s.faultMu.Unlock()
}

// DropRefresh makes refresh calls close the connection without a response.
func (s *Server) DropRefresh(drop bool) {
	s.faultMu.Lock()
	s.dropRefresh = drop
	s.faultMu.Unlock()
}

func (s *Server) SetRefreshDelay(d time.Duration) {
	s.faultMu.Lock()
	s.refreshDelay = d
	s.faultMu.Unlock()
}

// HoldRefresh blocks refresh calls (after they are counted) until release is called.
func (s *Server) HoldRefresh() (release func()) {
	gate := make(chan struct{})

	s.faultMu.Lock()
	s.refreshGate = gate
	s.faultMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.faultMu.Lock()
			if s.refreshGate == gate {
				s.refreshGate = nil
				close(gate)
			}
			s.faultMu.Unlock()
		})
	}
}

// ExpireAccessTokens invalidates every access token issued so far. Refresh tokens stay valid.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	s.live = make(map[string]struct{})
	s.mu.Unlock()
}

// DenyResources makes resource endpoints answer 401 even to freshly issued tokens.
func (s *Server) DenyResources(deny bool) {
	s.faultMu.Lock()
	s.denyResources = deny
	s.faultMu.Unlock()
}

/*
====================================
HANDLERS
====================================
*/

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	if err := s.AddUser(req.Username, req.Password); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"username": req.Username})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.logins.Add(1)

	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	s.mu.Lock()
	acct, ok := s.accounts[req.Username]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusUnauthorized, "no active account found with the given credentials")
		return
	}
	if match, err := verifyPassword(req.Password, acct.passwordHash); err != nil || !match {
		writeError(w, http.StatusUnauthorized, "no active account found with the given credentials")
		return
	}

	pair, err := s.openSession(req.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.refreshCalls.Add(1)

	s.faultMu.Lock()
	status, drop, delay, gate := s.refreshStatus, s.dropRefresh, s.refreshDelay, s.refreshGate
	s.faultMu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if drop {
		hijackAndClose(w)
		return
	}
	if status != 0 {
		if status >= 400 && status < 500 {
			s.rejections.Add(1)
		}
		writeError(w, status, "injected failure")
		return
	}

	var req struct {
		Refresh string `json:"refresh"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Refresh == "" {
		s.rejections.Add(1)
		writeError(w, http.StatusBadRequest, "refresh is required")
		return
	}

	pair, err := s.rotate(req.Refresh)
	if err != nil {
		s.rejections.Add(1)
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	s.rotations.Add(1)
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request) {
	username := usernameFrom(r)

	s.mu.Lock()
	list := append([]Expense{}, s.accounts[username].expenses...)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateExpense(w http.ResponseWriter, r *http.Request) {
	username := usernameFrom(r)

	var exp Expense
	if err := json.NewDecoder(r.Body).Decode(&exp); err != nil || exp.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	exp.ID = uuid.NewString()

	s.mu.Lock()
	acct := s.accounts[username]
	acct.expenses = append(acct.expenses, exp)
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, exp)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"username": usernameFrom(r)})
}

type usernameKey struct{}

func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.resources.Add(1)

		s.faultMu.Lock()
		deny := s.denyResources
		s.faultMu.Unlock()

		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok || deny {
			s.unauthorized.Add(1)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		claims, err := s.issuer.Verify(token)
		if err != nil {
			s.unauthorized.Add(1)
			writeError(w, http.StatusUnauthorized, "token not valid")
			return
		}

		s.mu.Lock()
		_, live := s.live[claims.ID]
		_, known := s.accounts[claims.Subject]
		s.mu.Unlock()
		if !live || !known {
			s.unauthorized.Add(1)
			writeError(w, http.StatusUnauthorized, "token not valid")
			return
		}

		next.ServeHTTP(w, r.WithContext(withUsername(r, claims.Subject)))
	})
}

/*
====================================
TOKENS
====================================
*/

func (s *Server) openSession(username string) (tokenPair, error) {
	sid := uuid.NewString()
	refresh, hash, err := newRefreshToken(sid)
	if err != nil {
		return tokenPair{}, err
	}
	access, err := s.mintAccess(username, sid)
	if err != nil {
		return tokenPair{}, err
	}

	s.mu.Lock()
	s.sessions[sid] = &session{username: username, refreshHash: hash}
	s.mu.Unlock()

	return tokenPair{Access: access, Refresh: refresh}, nil
}

// rotate swaps the presented refresh token for a new pair. A token that names a live session but
// does not match its current hash was already used: the whole session is revoked.
func (s *Server) rotate(presented string) (tokenPair, error) {
	sid, ok := sessionIDOf(presented)
	if !ok {
		return tokenPair{}, errors.New("token not valid")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sid]
	if !ok {
		return tokenPair{}, errors.New("token not valid")
	}
	if sha256.Sum256([]byte(presented)) != sess.refreshHash {
		delete(s.sessions, sid)
		s.reuseDetected.Add(1)
		return tokenPair{}, errors.New("token reuse detected")
	}

	refresh, hash, err := newRefreshToken(sid)
	if err != nil {
		return tokenPair{}, err
	}
	access, err := s.mintAccessLocked(sess.username, sid)
	if err != nil {
		return tokenPair{}, err
	}
	sess.refreshHash = hash
	return tokenPair{Access: access, Refresh: refresh}, nil
}

func (s *Server) mintAccess(username, sid string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mintAccessLocked(username, sid)
}

func (s *Server) mintAccessLocked(username, sid string) (string, error) {
	token, err := s.issuer.Mint(username, sid)
	if err != nil {
		return "", err
	}
	claims, err := s.issuer.Verify(token)
	if err != nil {
		return "", err
	}
	s.live[claims.ID] = struct{}{}
	return token, nil
}

// newRefreshToken returns "<sid>.<secret>" and its hash.
func newRefreshToken(sid string) (string, [32]byte, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", [32]byte{}, err
	}
	token := sid + "." + base64.RawURLEncoding.EncodeToString(secret)
	return token, sha256.Sum256([]byte(token)), nil
}

func sessionIDOf(token string) (string, bool) {
	sid, secret, ok := strings.Cut(token, ".")
	if !ok || sid == "" || secret == "" {
		return "", false
	}
	return sid, true
}
