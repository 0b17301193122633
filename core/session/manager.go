// Package session is the console's single source of truth about who is logged in.
//
// A Manager mediates every credential and profile mutation: it persists the tokens returned by
// the API, keeps the Profile of the logged in user and publishes every state transition to its
// subscribers. It fails closed: any failure to fetch the current user, and any 401 answered to an
// authenticated request, logs the user out and clears the stored tokens.
package session

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/EkeHanson/complete-lms-sub000/core"
	"github.com/EkeHanson/complete-lms-sub000/core/routes"
	"github.com/EkeHanson/complete-lms-sub000/services/lmsapi"
	"github.com/EkeHanson/complete-lms-sub000/storage/tokenstore"
)

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrNoRefreshToken   = errors.New("no refresh token found")
	ErrClosed           = errors.New("session closed")
	// ErrSessionChanged is returned when the session was logged in or out while a call was in flight.
	// The result of the call is discarded.
	ErrSessionChanged = errors.New("session changed during the request")

	errNoAccessToken  = errors.New("no access token found")
	errSessionExpired = errors.New("session expired")
)

const fetchUserKey = "current-user"

type Manager struct {
	auth   AuthAPI
	users  UserAPI
	tokens tokenstore.Store
	nav    Navigator
	roles  RoleTable
	logger core.Logger

	group    singleflight.Group
	initOnce sync.Once
	initErr  error

	mu         sync.RWMutex
	state      State
	gen        uint64 // bumped whenever the logged in user changes
	inflight   int
	loggingOut int
	closed     bool
	subs       map[int]func(State)
	nextSub    int
	seq        uint64 // bumped with every snapshot

	pubMu     sync.Mutex
	published uint64 // seq of the last snapshot delivered
}

// snapshot is a state taken under the lock, to be delivered to subs.
type snapshot struct {
	seq   uint64
	state State
	subs  []func(State)
}

func New(opts Options) (*Manager, error) {
	if opts.Auth == nil {
		return nil, errors.New("session: Auth is required")
	}
	if opts.Tokens == nil {
		return nil, errors.New("session: Tokens is required")
	}
	m := &Manager{
		auth:   opts.Auth,
		users:  opts.Users,
		tokens: opts.Tokens,
		nav:    opts.Navigator,
		roles:  opts.Roles,
		logger: opts.Logger,
		subs:   make(map[int]func(State)),
	}
	if m.nav == nil {
		m.nav = routes.NewHistory(routes.Root)
	}
	if m.roles == nil {
		m.roles = QARoles
	}
	if m.logger == nil {
		m.logger = core.NopLogger{}
	}
	return m, nil
}

// State returns a snapshot of the session. The returned Profile must not be modified.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// User returns the logged in user, or nil.
func (m *Manager) User() *Profile {
	return m.State().User
}

// Init fetches the current user the first time it is called. Later calls return the first result.
func (m *Manager) Init(ctx context.Context) error {
	m.initOnce.Do(func() {
		m.initErr = m.FetchUser(ctx)
	})
	return m.initErr
}

// Login signs the user in with a single attempt.
// On failure the error message is recorded and the previous session is left as it was.
func (m *Manager) Login(ctx context.Context, creds Credentials) (State, error) {
	gen, err := m.begin()
	if err != nil {
		return State{}, err
	}

	res, err := m.auth.Login(ctx, lmsapi.LoginRequest{Email: creds.Email, Password: creds.Password})
	var applyErr error
	state, applied := m.finish(gen, func() {
		if err != nil {
			m.state.Err = errorMessage(err)
			return
		}
		tokens := tokenstore.Tokens{
			Access:       res.Access,
			Refresh:      res.Refresh,
			TenantID:     res.TenantID.String(),
			TenantSchema: res.TenantSchema,
		}
		prev, loadErr := tokenstore.LoadTokens(m.tokens)
		if applyErr = tokenstore.SetAuthTokens(m.tokens, tokens); applyErr != nil {
			applyErr = errors.Wrap(applyErr, "storing tokens")
			m.restoreTokens(prev, loadErr)
			m.state.Err = applyErr.Error()
			return
		}
		m.state.User = newProfile(res.User, m.roles)
		m.state.Err = ""
		m.state.Status = Authenticated
		m.gen++
	})

	switch {
	case err != nil:
		m.logger.Warn("login failed", err)
		return state, err
	case !applied:
		return state, ErrSessionChanged
	case applyErr != nil:
		m.logger.Error("login failed", applyErr)
		return state, applyErr
	}
	m.logger.Info("logged in", state.User)
	return state, nil
}

// FetchUser loads the current user from the API, unless the current location is an auth screen
// or a user is already loaded. Concurrent calls share a single request.
//
// Without a stored access token the session becomes anonymous without calling the API.
// Any failure clears the session and the stored tokens and navigates to the session expired login.
func (m *Manager) FetchUser(ctx context.Context) error {
	if routes.IsAuthRoute(m.nav.Location()) {
		if !m.update(func() {
			if m.state.Status == Uninitialized {
				m.state.Status = Anonymous
			}
		}) {
			return ErrClosed
		}
		return nil
	}

	m.mu.RLock()
	user, closed := m.state.User, m.closed
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if user != nil {
		return nil
	}

	access, err := m.tokens.Get(tokenstore.AccessTokenKey)
	if err != nil && errors.Cause(err) != tokenstore.ErrNotFound {
		err = errors.Wrap(err, "loading access token")
		m.logger.Error("fetching current user failed", err)
		if !m.update(func() {
			m.state.User = nil
			m.state.Err = err.Error()
			m.state.Status = Error
		}) {
			return ErrClosed
		}
		return err
	}
	if access == "" {
		if !m.update(func() {
			m.state.User = nil
			m.state.Err = errNoAccessToken.Error()
			m.state.Status = Anonymous
		}) {
			return ErrClosed
		}
		return nil
	}

	// the first caller's context governs the shared request
	_, err, _ = m.group.Do(fetchUserKey, func() (interface{}, error) {
		return nil, m.fetchUser(ctx)
	})
	return err
}

// RefetchUser is FetchUser.
func (m *Manager) RefetchUser(ctx context.Context) error {
	return m.FetchUser(ctx)
}

func (m *Manager) fetchUser(ctx context.Context) error {
	gen, err := m.begin()
	if err != nil {
		return err
	}

	res, err := m.auth.GetCurrentUser(ctx)
	if err != nil && ctx.Err() != nil {
		// aborted by the caller: nothing to apply
		m.finish(gen, func() {})
		return err
	}

	state, applied := m.finish(gen, func() {
		if err != nil {
			m.clearTokens()
			m.state.User = nil
			m.state.Err = errorMessage(err)
			m.state.Status = Error
			return
		}
		m.state.User = newProfile(res.User, m.roles)
		m.state.Err = ""
		m.state.Status = Authenticated
	})

	switch {
	case !applied && err != nil:
		return err
	case !applied:
		return ErrSessionChanged
	case err != nil:
		m.logger.Warn("fetching current user failed", err)
		m.nav.Navigate(routes.SessionExpiredLogin)
		return errors.Wrap(err, "fetching current user")
	}
	m.logger.Debug("current user fetched", state.User)
	return nil
}

// Logout revokes the refresh token (best effort) then clears the tokens and the user.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.loggingOut++
	m.mu.Unlock()

	refresh, err := m.tokens.Get(tokenstore.RefreshTokenKey)
	if err != nil && errors.Cause(err) != tokenstore.ErrNotFound {
		m.logger.Warn("loading refresh token", err)
	}
	if refresh != "" {
		if err := m.auth.Logout(ctx, refresh); err != nil {
			m.logger.Warn("remote logout failed", err)
		}
	}

	var user *Profile
	if !m.update(func() {
		m.loggingOut--
		user = m.state.User
		m.clearTokens()
		m.state.User = nil
		m.state.Err = ""
		m.state.Status = Anonymous
		m.gen++
	}) {
		return ErrClosed
	}
	if user != nil {
		m.logger.Info("logged out", user)
	}
	return nil
}

// Refresh exchanges the stored refresh token for a new access token.
// It never retries: a failure logs the user out.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	refresh, err := m.tokens.Get(tokenstore.RefreshTokenKey)
	if err != nil && errors.Cause(err) != tokenstore.ErrNotFound {
		return errors.Wrap(err, "loading refresh token")
	}
	if refresh == "" {
		if !m.expire(ErrNoRefreshToken) {
			return ErrClosed
		}
		return ErrNoRefreshToken
	}

	gen, err := m.begin()
	if err != nil {
		return err
	}

	res, err := m.auth.RefreshToken(ctx, refresh)
	if err != nil && ctx.Err() != nil {
		m.finish(gen, func() {})
		return err
	}

	var applyErr error
	var expired bool
	_, applied := m.finish(gen, func() {
		if err != nil {
			expired = m.expireLocked(err)
			return
		}
		if applyErr = m.tokens.Set(tokenstore.AccessTokenKey, res.Access); applyErr != nil {
			return
		}
		if res.Refresh != "" {
			applyErr = m.tokens.Set(tokenstore.RefreshTokenKey, res.Refresh)
		}
	})

	switch {
	case !applied && err != nil:
		return err
	case !applied:
		return ErrSessionChanged
	case err != nil:
		m.logger.Warn("refreshing token failed", err)
		if expired {
			m.nav.Navigate(routes.SessionExpiredLogin)
		}
		return errors.Wrap(err, "refreshing token")
	case applyErr != nil:
		return errors.Wrap(applyErr, "storing tokens")
	}
	return nil
}

// UpdateUser updates the logged in user and merges the API response into the profile.
// Errors are returned as is and leave the session untouched.
func (m *Manager) UpdateUser(ctx context.Context, updates map[string]interface{}) error {
	if m.users == nil {
		return errors.New("session: no user API")
	}
	m.mu.RLock()
	user := m.state.User
	m.mu.RUnlock()
	if user == nil {
		return ErrNotAuthenticated
	}

	gen, err := m.begin()
	if err != nil {
		return err
	}

	res, err := m.users.UpdateUser(ctx, user.ID, updates)
	_, applied := m.finish(gen, func() {
		if err == nil && m.state.User != nil {
			m.state.User = m.state.User.merge(res, m.roles)
		}
	})

	switch {
	case err != nil:
		return err
	case !applied:
		return ErrSessionChanged
	}
	return nil
}

// HandleUnauthorized is called by the API client when an authenticated request is answered with 401.
// It clears the tokens and, unless a logout is in progress, logs the user out and navigates
// to the session expired login.
func (m *Manager) HandleUnauthorized() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.loggingOut > 0 {
		m.clearTokens()
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.expire(errSessionExpired)
}

// expire logs the user out after an authentication failure.
// It reports false if the manager was closed.
func (m *Manager) expire(cause error) bool {
	var expired bool
	if !m.update(func() {
		expired = m.expireLocked(cause)
	}) {
		return false
	}
	if expired {
		m.logger.Info("session expired", cause)
		m.nav.Navigate(routes.SessionExpiredLogin)
	}
	return true
}

// expireLocked clears the tokens and the user. It reports whether a user was logged in.
func (m *Manager) expireLocked(cause error) bool {
	m.clearTokens()
	if m.state.User == nil {
		return false
	}
	m.state.User = nil
	m.state.Err = errorMessage(cause)
	m.state.Status = Anonymous
	m.gen++
	return true
}

// HasPermission reports whether the logged in user holds the permission (or the wildcard).
func (m *Manager) HasPermission(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state.User == nil {
		return false
	}
	return m.state.User.Permissions.Has(name)
}

// DashboardRoute returns the landing location of the logged in user, or the login screen.
func (m *Manager) DashboardRoute() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state.User == nil {
		return routes.Login
	}
	return DashboardRoute(m.state.User.Role)
}

func (m *Manager) IsAuthenticated() bool {
	return m.User() != nil
}

// QA returns the quality assurance accessor of the session.
func (m *Manager) QA() QAAccess {
	return NewQAAccess(m)
}

// Subscribe calls fn with a snapshot after every state transition until unsubscribe is called.
// Snapshots are delivered one at a time and in order; one that is older than a snapshot already
// delivered is skipped. fn may read the state but must not call the other methods of the Manager.
func (m *Manager) Subscribe(fn func(State)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// Close detaches the manager: results of in flight calls are discarded and subscribers are dropped.
// The stored tokens are kept.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.subs = make(map[int]func(State))
	m.mu.Unlock()
}

// begin marks the start of a network call and returns the current generation.
func (m *Manager) begin() (uint64, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrClosed
	}
	m.inflight++
	m.state.Status = Loading
	gen := m.gen
	snap := m.commit()
	m.mu.Unlock()

	m.publish(snap)
	return gen, nil
}

// finish ends a network call started at generation gen. apply runs under the lock unless the
// manager was closed or the user changed meanwhile. It reports whether apply ran.
func (m *Manager) finish(gen uint64, apply func()) (State, bool) {
	m.mu.Lock()
	m.inflight--
	if m.closed {
		state := m.state
		m.mu.Unlock()
		return state, false
	}
	applied := gen == m.gen
	if applied {
		apply()
	}
	snap := m.commit()
	m.mu.Unlock()

	m.publish(snap)
	return snap.state, applied
}

// update applies fn under the lock then publishes the new state.
// Once the manager is closed fn is not run and update returns false.
func (m *Manager) update(fn func()) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	fn()
	snap := m.commit()
	m.mu.Unlock()

	m.publish(snap)
	return true
}

// commit settles the state and takes a snapshot of it. m.mu must be held.
func (m *Manager) commit() snapshot {
	m.settle()
	m.seq++
	return snapshot{seq: m.seq, state: m.state, subs: m.subscribers()}
}

// settle derives Loading and leaves the Loading status once nothing is in flight.
func (m *Manager) settle() {
	m.state.Loading = m.inflight > 0
	if m.inflight == 0 && m.state.Status == Loading {
		if m.state.User != nil {
			m.state.Status = Authenticated
		} else {
			m.state.Status = Anonymous
		}
	}
}

func (m *Manager) subscribers() []func(State) {
	if m.closed || len(m.subs) == 0 {
		return nil
	}
	subs := make([]func(State), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	return subs
}

// publish delivers snap to its subscribers unless a newer snapshot was delivered already.
func (m *Manager) publish(snap snapshot) {
	if len(snap.subs) == 0 {
		return
	}
	m.pubMu.Lock()
	defer m.pubMu.Unlock()
	if snap.seq <= m.published {
		return
	}
	m.published = snap.seq
	for _, fn := range snap.subs {
		fn(snap.state)
	}
}

func (m *Manager) clearTokens() {
	if err := tokenstore.ClearAuthTokens(m.tokens); err != nil {
		m.logger.Error("clearing tokens", err)
	}
}

// restoreTokens puts back the tokens stored before a failed write. When they cannot be put back
// the tokens are cleared along with the user. m.mu must be held.
func (m *Manager) restoreTokens(prev tokenstore.Tokens, loadErr error) {
	if loadErr == nil && prev.Access != "" {
		err := tokenstore.SetAuthTokens(m.tokens, prev)
		if err == nil {
			return
		}
		m.logger.Error("restoring tokens", err)
	}
	m.expireLocked(errSessionExpired)
}

// errorMessage returns the message to show for err: the API message when there is one.
func errorMessage(err error) string {
	if apiErr, ok := errors.Cause(err).(interface{ APIMessage() string }); ok {
		if msg := apiErr.APIMessage(); msg != "" {
			return msg
		}
	}
	return err.Error()
}
