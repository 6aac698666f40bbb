// Package session owns login, registration, logout and the token lifecycle.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/zhouzirui/roomchat/internal/metrics"
	"github.com/zhouzirui/roomchat/internal/model/session"
	"github.com/zhouzirui/roomchat/internal/service/api"
	"github.com/zhouzirui/roomchat/internal/service/credential"
)

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrNoRefreshToken   = errors.New("no refresh token")
)

// AuthAPI is the subset of the REST client the manager needs.
type AuthAPI interface {
	Login(ctx context.Context, identifier, password string) (api.TokenPair, error)
	Register(ctx context.Context, profile map[string]string) error
	Refresh(ctx context.Context, refreshToken string) (api.TokenPair, error)
	Revoke(ctx context.Context, accessToken string) error
}

// Manager is the only writer of the credential store and the session state.
type Manager struct {
	api     AuthAPI
	creds   *credential.Store
	metrics *metrics.Metrics

	// authMu serializes every flow that writes tokens.
	authMu  sync.Mutex
	refresh singleflight.Group

	mu   sync.RWMutex
	sess session.Session

	hooksMu sync.Mutex
	hooks   []func()

	revokeTimeout time.Duration
	revokeWG      sync.WaitGroup
}

// NewManager returns an anonymous manager over creds.
func NewManager(authAPI AuthAPI, creds *credential.Store, m *metrics.Metrics) *Manager {
	if m == nil {
		m = metrics.Discard()
	}
	return &Manager{
		api:           authAPI,
		creds:         creds,
		metrics:       m,
		revokeTimeout: 5 * time.Second,
	}
}

// Session returns a copy of the current session.
func (m *Manager) Session() session.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.sess
	if out.User != nil {
		u := *out.User
		out.User = &u
	}
	return out
}

// User returns the current identity, or the zero User when anonymous.
func (m *Manager) User() session.User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.sess.User == nil {
		return session.User{}
	}
	return *m.sess.User
}

// OnLogout registers fn to run synchronously whenever the session is torn
// down, by logout or by expiry. The synchronizer uses it to close channels.
func (m *Manager) OnLogout(fn func()) {
	m.hooksMu.Lock()
	m.hooks = append(m.hooks, fn)
	m.hooksMu.Unlock()
}

// Login authenticates and replaces the session. On failure the previous
// session, whatever it was, is left in place.
func (m *Manager) Login(ctx context.Context, identifier, password string) (session.Session, error) {
	identifier = strings.TrimSpace(identifier)

	m.authMu.Lock()
	defer m.authMu.Unlock()

	m.mu.Lock()
	prev := m.sess
	m.sess.Status = session.StatusAuthenticating
	m.mu.Unlock()

	pair, err := m.api.Login(ctx, identifier, password)
	if err != nil {
		m.mu.Lock()
		m.sess = prev
		m.mu.Unlock()
		m.metrics.SessionEvents.WithLabelValues("login_failed").Inc()
		log.Warn().Err(err).Msgf("[session] login failed for %s", identifier)
		return m.Session(), err
	}

	tokens := session.Tokens{Access: pair.AccessToken, Refresh: pair.RefreshToken}
	if err := m.creds.Set(tokens); err != nil {
		log.Warn().Err(err).Msg("[session] persist tokens failed; session kept in memory")
	}

	user := identityFromToken(tokens.Access, identifier)
	m.mu.Lock()
	m.sess = session.Session{Tokens: tokens, User: &user, Status: session.StatusAuthenticated}
	m.mu.Unlock()

	m.metrics.SessionEvents.WithLabelValues("login").Inc()
	log.Info().Msgf("[session] logged in as %s", user.Username)
	return m.Session(), nil
}

// Register submits a new account. It never authenticates.
func (m *Manager) Register(ctx context.Context, profile map[string]string) error {
	if err := m.api.Register(ctx, profile); err != nil {
		return err
	}
	log.Info().Msg("[session] registration accepted")
	return nil
}

// Logout tears the session down before returning: credentials are cleared and
// every logout hook has run. Token revocation then happens in the background.
func (m *Manager) Logout() {
	m.authMu.Lock()
	tokens := m.teardown(session.StatusAnonymous)
	m.authMu.Unlock()

	m.metrics.SessionEvents.WithLabelValues("logout").Inc()
	log.Info().Msg("[session] logged out")

	if tokens.Empty() {
		return
	}
	m.revokeWG.Add(1)
	go func() {
		defer m.revokeWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.revokeTimeout)
		defer cancel()
		if err := m.api.Revoke(ctx, tokens.Access); err != nil {
			log.Debug().Err(err).Msg("[session] token revocation failed")
		}
	}()
}

// Wait blocks until background revocations finish.
func (m *Manager) Wait() {
	m.revokeWG.Wait()
}

// Restore loads persisted tokens and marks the session authenticated without
// contacting the server. A rejected token later expires the session.
func (m *Manager) Restore() (bool, error) {
	m.authMu.Lock()
	defer m.authMu.Unlock()

	tokens, ok, err := m.creds.Restore()
	if err != nil {
		return false, fmt.Errorf("restore session: %w", err)
	}
	if !ok {
		return false, nil
	}

	user := identityFromToken(tokens.Access, "")
	m.mu.Lock()
	m.sess = session.Session{Tokens: tokens, User: &user, Status: session.StatusAuthenticated}
	m.mu.Unlock()

	m.metrics.SessionEvents.WithLabelValues("restored").Inc()
	log.Info().Msg("[session] restored persisted session")
	return true, nil
}

// Expire handles a rejected access token. It is a no-op when token is no
// longer the current one, so a late failure from an old session cannot end a
// newer one.
func (m *Manager) Expire(token string) {
	m.authMu.Lock()
	current := m.creds.AccessToken()
	if current == "" || current != token {
		m.authMu.Unlock()
		return
	}
	m.teardown(session.StatusExpired)
	m.authMu.Unlock()

	m.metrics.SessionEvents.WithLabelValues("expired").Inc()
	log.Warn().Msg("[session] access token rejected; session expired")
}

// Refresh trades the refresh token for a new pair. Concurrent callers share
// one request. It is never used to replay a rejected call.
func (m *Manager) Refresh(ctx context.Context) error {
	_, err, _ := m.refresh.Do("refresh", func() (any, error) {
		m.authMu.Lock()
		defer m.authMu.Unlock()

		m.mu.RLock()
		sess := m.sess
		m.mu.RUnlock()
		if !sess.Authenticated() {
			return nil, ErrNotAuthenticated
		}
		if sess.Tokens.Refresh == "" {
			return nil, ErrNoRefreshToken
		}

		pair, err := m.api.Refresh(ctx, sess.Tokens.Refresh)
		if err != nil {
			return nil, err
		}
		tokens := session.Tokens{Access: pair.AccessToken, Refresh: pair.RefreshToken}
		if tokens.Refresh == "" {
			tokens.Refresh = sess.Tokens.Refresh
		}
		if err := m.creds.Set(tokens); err != nil {
			log.Warn().Err(err).Msg("[session] persist refreshed tokens failed")
		}

		m.mu.Lock()
		m.sess.Tokens = tokens
		m.mu.Unlock()
		m.metrics.SessionEvents.WithLabelValues("refreshed").Inc()
		return nil, nil
	})
	return err
}

// teardown must be called with authMu held.
func (m *Manager) teardown(status session.Status) session.Tokens {
	tokens := m.creds.Tokens()
	if err := m.creds.Clear(); err != nil {
		log.Warn().Err(err).Msg("[session] clear persisted tokens failed")
	}

	m.mu.Lock()
	m.sess = session.Session{Status: status}
	m.mu.Unlock()

	m.hooksMu.Lock()
	hooks := append([]func(){}, m.hooks...)
	m.hooksMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	return tokens
}
