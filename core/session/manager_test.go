package session

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EkeHanson/complete-lms-sub000/core/routes"
	"github.com/EkeHanson/complete-lms-sub000/services/lmsapi"
	"github.com/EkeHanson/complete-lms-sub000/storage/tokenstore"
)

type authAPIMock struct {
	loginFunc       func(lmsapi.LoginRequest) (lmsapi.LoginResponse, error)
	currentUserFunc func(ctx context.Context) (lmsapi.CurrentUserResponse, error)
	logoutFunc      func(refresh string) error
	refreshFunc     func(refresh string) (lmsapi.RefreshResponse, error)

	currentUserCalls int32
	logoutCalls      int32
}

func (a *authAPIMock) Login(_ context.Context, creds lmsapi.LoginRequest) (lmsapi.LoginResponse, error) {
	return a.loginFunc(creds)
}

func (a *authAPIMock) GetCurrentUser(ctx context.Context) (lmsapi.CurrentUserResponse, error) {
	atomic.AddInt32(&a.currentUserCalls, 1)
	return a.currentUserFunc(ctx)
}

func (a *authAPIMock) Logout(_ context.Context, refresh string) error {
	atomic.AddInt32(&a.logoutCalls, 1)
	if a.logoutFunc == nil {
		return nil
	}
	return a.logoutFunc(refresh)
}

func (a *authAPIMock) RefreshToken(_ context.Context, refresh string) (lmsapi.RefreshResponse, error) {
	return a.refreshFunc(refresh)
}

type userAPIMock struct {
	updateFunc func(id string, updates map[string]interface{}) (map[string]interface{}, error)
}

func (u *userAPIMock) UpdateUser(_ context.Context, id string, updates map[string]interface{}) (map[string]interface{}, error) {
	return u.updateFunc(id, updates)
}

type fixture struct {
	mgr    *Manager
	auth   *authAPIMock
	users  *userAPIMock
	tokens *tokenstore.MemoryStore
	nav    *routes.History
}

func newFixture(t *testing.T, location string) *fixture {
	t.Helper()
	f := &fixture{
		auth:   &authAPIMock{},
		users:  &userAPIMock{},
		tokens: tokenstore.NewMemoryStore(),
		nav:    routes.NewHistory(location),
	}
	mgr, err := New(Options{Auth: f.auth, Users: f.users, Tokens: f.tokens, Navigator: f.nav})
	require.NoError(t, err)
	f.mgr = mgr
	return f
}

func (f *fixture) storeTokens(t *testing.T) {
	t.Helper()
	require.NoError(t, tokenstore.SetAuthTokens(f.tokens, tokenstore.Tokens{
		Access: "tok1", Refresh: "tok2", TenantID: "7", TenantSchema: "acme",
	}))
}

// login logs in a user with the given raw payload.
func (f *fixture) login(t *testing.T, user map[string]interface{}) {
	t.Helper()
	f.auth.loginFunc = func(lmsapi.LoginRequest) (lmsapi.LoginResponse, error) {
		return lmsapi.LoginResponse{User: user, Access: "tok1", Refresh: "tok2"}, nil
	}
	_, err := f.mgr.Login(context.Background(), Credentials{Email: "a@b.com", Password: "x"})
	require.NoError(t, err)
}

func unauthorized() error {
	return &lmsapi.Error{StatusCode: http.StatusUnauthorized, Message: "Given token not valid for any token type"}
}

func TestNew(t *testing.T) {
	_, err := New(Options{Tokens: tokenstore.NewMemoryStore()})
	assert.Error(t, err)
	_, err = New(Options{Auth: &authAPIMock{}})
	assert.Error(t, err)

	mgr, err := New(Options{Auth: &authAPIMock{}, Tokens: tokenstore.NewMemoryStore()})
	require.NoError(t, err)
	state := mgr.State()
	assert.Equal(t, Uninitialized, state.Status)
	assert.Nil(t, state.User)
	assert.False(t, state.Loading)
}

func TestLogin(t *testing.T) {
	t.Run("success keeps the role", func(t *testing.T) {
		f := newFixture(t, routes.Login)
		f.auth.loginFunc = func(creds lmsapi.LoginRequest) (lmsapi.LoginResponse, error) {
			assert.Equal(t, "a@b.com", creds.Email)
			assert.Equal(t, "x", creds.Password)
			return lmsapi.LoginResponse{
				User:   map[string]interface{}{"id": json.Number("1"), "role": "trainer"},
				Access: "tok1", Refresh: "tok2",
			}, nil
		}

		state, err := f.mgr.Login(context.Background(), Credentials{Email: "a@b.com", Password: "x"})
		require.NoError(t, err)
		require.NotNil(t, state.User)
		assert.Equal(t, "trainer", state.User.Role)
		assert.Equal(t, "1", state.User.ID)
		assert.Empty(t, state.Err)
		assert.Equal(t, Authenticated, state.Status)
		assert.False(t, state.Loading)

		tokens, err := tokenstore.LoadTokens(f.tokens)
		require.NoError(t, err)
		assert.Equal(t, tokenstore.Tokens{Access: "tok1", Refresh: "tok2"}, tokens)
		assert.True(t, f.mgr.HasPermission(PermGradeAssessments))
	})

	t.Run("absent role defaults to trainer", func(t *testing.T) {
		f := newFixture(t, routes.Login)
		f.login(t, map[string]interface{}{"id": json.Number("2")})

		user := f.mgr.User()
		require.NotNil(t, user)
		assert.Equal(t, DefaultRole, user.Role)
		assert.Equal(t, routes.TrainerDashboard, f.mgr.DashboardRoute())
	})

	t.Run("tenant is stored", func(t *testing.T) {
		f := newFixture(t, routes.Login)
		f.auth.loginFunc = func(lmsapi.LoginRequest) (lmsapi.LoginResponse, error) {
			return lmsapi.LoginResponse{
				User:   map[string]interface{}{"id": "3", "role": "admin"},
				Access: "a", Refresh: "r", TenantID: "12", TenantSchema: "acme",
			}, nil
		}
		_, err := f.mgr.Login(context.Background(), Credentials{Email: "a@b.com", Password: "x"})
		require.NoError(t, err)

		tokens, err := tokenstore.LoadTokens(f.tokens)
		require.NoError(t, err)
		assert.Equal(t, tokenstore.Tokens{Access: "a", Refresh: "r", TenantID: "12", TenantSchema: "acme"}, tokens)
	})

	t.Run("failure leaves the session untouched", func(t *testing.T) {
		f := newFixture(t, routes.Login)
		f.login(t, map[string]interface{}{"id": "1", "role": "admin"})
		before := f.mgr.User()

		f.auth.loginFunc = func(lmsapi.LoginRequest) (lmsapi.LoginResponse, error) {
			return lmsapi.LoginResponse{}, &lmsapi.Error{StatusCode: http.StatusUnauthorized, Message: "No active account found with the given credentials"}
		}
		state, err := f.mgr.Login(context.Background(), Credentials{Email: "a@b.com", Password: "bad"})
		require.Error(t, err)
		assert.True(t, lmsapi.IsUnauthorized(err))
		assert.Equal(t, "No active account found with the given credentials", state.Err)
		assert.Same(t, before, state.User)
		assert.Equal(t, Authenticated, state.Status)

		tokens, err := tokenstore.LoadTokens(f.tokens)
		require.NoError(t, err)
		assert.Equal(t, "tok1", tokens.Access)
	})

	t.Run("transport failure message", func(t *testing.T) {
		f := newFixture(t, routes.Login)
		f.auth.loginFunc = func(lmsapi.LoginRequest) (lmsapi.LoginResponse, error) {
			return lmsapi.LoginResponse{}, errors.New("dial tcp: connection refused")
		}
		state, err := f.mgr.Login(context.Background(), Credentials{Email: "a@b.com", Password: "x"})
		require.Error(t, err)
		assert.Nil(t, state.User)
		assert.Equal(t, "dial tcp: connection refused", state.Err)
		assert.Equal(t, Anonymous, state.Status)
	})
}

func TestFetchUser(t *testing.T) {
	t.Run("skipped on auth routes", func(t *testing.T) {
		for _, loc := range []string{routes.Login, routes.Signup, routes.ForgotPassword, routes.ResetPassword, routes.PasswordResetConfirm + "?uid=1"} {
			f := newFixture(t, loc)
			f.storeTokens(t)
			require.NoError(t, f.mgr.FetchUser(context.Background()), loc)
			assert.Zero(t, f.auth.currentUserCalls, loc)
			assert.Equal(t, Anonymous, f.mgr.State().Status, loc)
		}
	})

	t.Run("idempotent when a user is loaded", func(t *testing.T) {
		f := newFixture(t, routes.Login)
		f.login(t, map[string]interface{}{"id": "1", "role": "trainer"})
		f.nav.Navigate(routes.TrainerDashboard)

		require.NoError(t, f.mgr.FetchUser(context.Background()))
		require.NoError(t, f.mgr.RefetchUser(context.Background()))
		assert.Zero(t, f.auth.currentUserCalls)
	})

	t.Run("no access token", func(t *testing.T) {
		f := newFixture(t, routes.Dashboard)
		require.NoError(t, f.mgr.FetchUser(context.Background()))

		state := f.mgr.State()
		assert.Nil(t, state.User)
		assert.Equal(t, "no access token found", state.Err)
		assert.Equal(t, Anonymous, state.Status)
		assert.Zero(t, f.auth.currentUserCalls)
		assert.Equal(t, []string{routes.Dashboard}, f.nav.Entries())
	})

	t.Run("success", func(t *testing.T) {
		f := newFixture(t, routes.Root)
		f.storeTokens(t)
		f.auth.currentUserFunc = func(context.Context) (lmsapi.CurrentUserResponse, error) {
			return lmsapi.CurrentUserResponse{User: map[string]interface{}{
				"id": json.Number("9"), "email": "lead@lms.test", "role": "IQA_Lead", "first_name": "Ada",
			}}, nil
		}

		require.NoError(t, f.mgr.FetchUser(context.Background()))
		state := f.mgr.State()
		require.NotNil(t, state.User)
		assert.Equal(t, Authenticated, state.Status)
		assert.Equal(t, "9", state.User.ID)
		assert.Equal(t, "Ada", state.User.Attribute("first_name"))
		assert.Equal(t, routes.IQA, f.mgr.DashboardRoute())
		assert.True(t, f.mgr.QA().IsIQALead())
		assert.False(t, f.mgr.QA().IsEQAAuditor())
	})

	t.Run("expired session", func(t *testing.T) {
		f := newFixture(t, routes.TrainerDashboard)
		f.storeTokens(t)
		f.auth.currentUserFunc = func(context.Context) (lmsapi.CurrentUserResponse, error) {
			return lmsapi.CurrentUserResponse{}, unauthorized()
		}

		err := f.mgr.FetchUser(context.Background())
		require.Error(t, err)
		assert.True(t, lmsapi.IsUnauthorized(err))

		state := f.mgr.State()
		assert.Nil(t, state.User)
		assert.Equal(t, Error, state.Status)
		assert.Equal(t, "Given token not valid for any token type", state.Err)
		assert.Zero(t, f.tokens.Len())
		assert.Equal(t, routes.SessionExpiredLogin, f.nav.Location())
		assert.True(t, routes.SessionExpired(f.nav.Location()))
	})

	t.Run("fails closed", func(t *testing.T) {
		failures := []error{
			unauthorized(),
			&lmsapi.Error{StatusCode: http.StatusForbidden, Message: "forbidden"},
			&lmsapi.Error{StatusCode: http.StatusInternalServerError, Message: "Internal Server Error"},
			errors.New("dial tcp: connection refused"),
		}
		for _, failure := range failures {
			failure := failure
			f := newFixture(t, routes.Dashboard)
			f.storeTokens(t)
			f.auth.currentUserFunc = func(context.Context) (lmsapi.CurrentUserResponse, error) {
				return lmsapi.CurrentUserResponse{}, failure
			}

			assert.Error(t, f.mgr.FetchUser(context.Background()))
			assert.Nil(t, f.mgr.User(), failure.Error())
			assert.Zero(t, f.tokens.Len(), failure.Error())
			assert.False(t, f.mgr.IsAuthenticated())
		}
	})

	t.Run("concurrent callers share one request", func(t *testing.T) {
		f := newFixture(t, routes.Dashboard)
		f.storeTokens(t)
		release := make(chan struct{})
		f.auth.currentUserFunc = func(context.Context) (lmsapi.CurrentUserResponse, error) {
			<-release
			return lmsapi.CurrentUserResponse{User: map[string]interface{}{"id": "1", "role": "admin"}}, nil
		}

		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, f.mgr.FetchUser(context.Background()))
			}()
		}
		assert.Eventually(t, func() bool { return atomic.LoadInt32(&f.auth.currentUserCalls) == 1 }, time.Second, time.Millisecond)
		time.Sleep(10 * time.Millisecond)
		close(release)
		wg.Wait()

		assert.LessOrEqual(t, atomic.LoadInt32(&f.auth.currentUserCalls), int32(5))
		assert.NotNil(t, f.mgr.User())
		assert.False(t, f.mgr.State().Loading)
	})

	t.Run("cancelled fetch keeps the tokens", func(t *testing.T) {
		f := newFixture(t, routes.Dashboard)
		f.storeTokens(t)
		ctx, cancel := context.WithCancel(context.Background())
		f.auth.currentUserFunc = func(ctx context.Context) (lmsapi.CurrentUserResponse, error) {
			cancel()
			return lmsapi.CurrentUserResponse{}, ctx.Err()
		}

		assert.Equal(t, context.Canceled, errors.Cause(f.mgr.FetchUser(ctx)))
		assert.Equal(t, 4, f.tokens.Len())
		assert.Equal(t, []string{routes.Dashboard}, f.nav.Entries())
		assert.Equal(t, Anonymous, f.mgr.State().Status)
	})
}

func TestInit(t *testing.T) {
	f := newFixture(t, routes.Dashboard)
	f.storeTokens(t)
	f.auth.currentUserFunc = func(context.Context) (lmsapi.CurrentUserResponse, error) {
		return lmsapi.CurrentUserResponse{User: map[string]interface{}{"id": "1"}}, nil
	}

	require.NoError(t, f.mgr.Init(context.Background()))
	require.NoError(t, f.mgr.Logout(context.Background()))
	require.NoError(t, f.mgr.Init(context.Background()))

	assert.Equal(t, int32(1), f.auth.currentUserCalls)
	assert.Nil(t, f.mgr.User())
}

func TestLogout(t *testing.T) {
	t.Run("revokes the refresh token", func(t *testing.T) {
		f := newFixture(t, routes.Login)
		f.login(t, map[string]interface{}{"id": "1", "role": "admin"})
		var revoked string
		f.auth.logoutFunc = func(refresh string) error {
			revoked = refresh
			return nil
		}

		require.NoError(t, f.mgr.Logout(context.Background()))
		assert.Equal(t, "tok2", revoked)
		assert.Nil(t, f.mgr.User())
		assert.Equal(t, Anonymous, f.mgr.State().Status)
		assert.Zero(t, f.tokens.Len())
		assert.Equal(t, routes.Login, f.mgr.DashboardRoute())
	})

	t.Run("remote failure does not block", func(t *testing.T) {
		f := newFixture(t, routes.Login)
		f.login(t, map[string]interface{}{"id": "1", "role": "admin"})
		f.auth.logoutFunc = func(string) error {
			// the API client reports the 401 before returning it
			f.mgr.HandleUnauthorized()
			return unauthorized()
		}

		require.NoError(t, f.mgr.Logout(context.Background()))
		assert.Nil(t, f.mgr.User())
		assert.Zero(t, f.tokens.Len())
		// a logout never lands on the session expired notice
		assert.Equal(t, []string{routes.Login}, f.nav.Entries())
	})

	t.Run("without tokens", func(t *testing.T) {
		f := newFixture(t, routes.Dashboard)
		require.NoError(t, f.mgr.Logout(context.Background()))
		assert.Zero(t, f.auth.logoutCalls)
	})
}

func TestHasPermission(t *testing.T) {
	f := newFixture(t, routes.Login)
	assert.False(t, f.mgr.HasPermission(PermViewCourses))
	assert.False(t, f.mgr.HasPermission(PermAll))

	f.login(t, map[string]interface{}{"id": "1", "role": "learner"})
	assert.True(t, f.mgr.HasPermission(PermSubmitAssessments))
	assert.False(t, f.mgr.HasPermission(PermManageUsers))

	require.NoError(t, f.mgr.Logout(context.Background()))
	f.login(t, map[string]interface{}{"id": "1", "role": "Super_Admin"})
	for _, perm := range []string{PermManageUsers, PermConductEQAAudit, "launch_rockets", ""} {
		assert.True(t, f.mgr.HasPermission(perm), perm)
	}
	qa := f.mgr.QA()
	assert.True(t, qa.IsIQALead())
	assert.True(t, qa.IsEQAAuditor())
	assert.True(t, qa.CanViewReports())
	assert.True(t, qa.CanSampleAssessments())
}

func TestManagerDashboardRoute(t *testing.T) {
	tests := []struct {
		role string
		want string
	}{
		{"admin", routes.Admin},
		{"SUPER_ADMIN", routes.Admin},
		{"instructors", routes.TrainerDashboard},
		{"Trainer", routes.TrainerDashboard},
		{"learners", routes.StudentDashboard},
		{"learner", routes.StudentDashboard},
		{"student", routes.StudentDashboard},
		{"iqa_lead", routes.IQA},
		{"EQA_AUDITOR", routes.IQA},
		{"", routes.TrainerDashboard},
		{"janitor", routes.Dashboard},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			f := newFixture(t, routes.Login)
			assert.Equal(t, routes.Login, f.mgr.DashboardRoute())

			f.login(t, map[string]interface{}{"id": "1", "role": tt.role})
			assert.Equal(t, tt.want, f.mgr.DashboardRoute())
		})
	}
}

func TestUpdateUser(t *testing.T) {
	t.Run("merges the response", func(t *testing.T) {
		f := newFixture(t, routes.Login)
		f.login(t, map[string]interface{}{
			"id": json.Number("5"), "role": "trainer", "first_name": "Ada",
			"qaStats":  map[string]interface{}{"a": 1, "b": 2},
			"settings": map[string]interface{}{"theme": "dark", "lang": "en"},
		})
		before := f.mgr.User()

		f.users.updateFunc = func(id string, updates map[string]interface{}) (map[string]interface{}, error) {
			assert.Equal(t, "5", id)
			assert.Equal(t, "Grace", updates["first_name"])
			return map[string]interface{}{
				"first_name": "Grace",
				"qaStats":    map[string]interface{}{"b": 3},
				"settings":   map[string]interface{}{"theme": "light"},
			}, nil
		}
		require.NoError(t, f.mgr.UpdateUser(context.Background(), map[string]interface{}{"first_name": "Grace"}))

		user := f.mgr.User()
		assert.Equal(t, map[string]interface{}{"a": 1, "b": 3}, user.QAStats)
		assert.Equal(t, map[string]interface{}{"theme": "light"}, user.Attributes["settings"])
		assert.Equal(t, "Grace", user.DisplayName())
		assert.Equal(t, "trainer", user.Role)

		// the previous profile is not modified
		assert.Equal(t, map[string]interface{}{"a": 1, "b": 2}, before.QAStats)
		assert.Equal(t, "Ada", before.Attribute("first_name"))
	})

	t.Run("role change re-derives permissions", func(t *testing.T) {
		f := newFixture(t, routes.Login)
		f.login(t, map[string]interface{}{"id": "5", "role": "learner"})
		f.users.updateFunc = func(string, map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"role": "eqa_auditor"}, nil
		}

		require.NoError(t, f.mgr.UpdateUser(context.Background(), map[string]interface{}{"role": "eqa_auditor"}))
		assert.True(t, f.mgr.QA().IsEQAAuditor())
		assert.False(t, f.mgr.HasPermission(PermSubmitAssessments))
		assert.Equal(t, routes.IQA, f.mgr.DashboardRoute())
	})

	t.Run("errors are returned", func(t *testing.T) {
		f := newFixture(t, routes.Login)
		f.login(t, map[string]interface{}{"id": "5", "role": "learner"})
		before := f.mgr.State()
		apiErr := &lmsapi.Error{StatusCode: http.StatusBadRequest, Message: "email: invalid"}
		f.users.updateFunc = func(string, map[string]interface{}) (map[string]interface{}, error) {
			return nil, apiErr
		}

		err := f.mgr.UpdateUser(context.Background(), map[string]interface{}{"email": "nope"})
		assert.Equal(t, apiErr, err)
		after := f.mgr.State()
		assert.Same(t, before.User, after.User)
		assert.Equal(t, before.Err, after.Err)
	})

	t.Run("requires a user", func(t *testing.T) {
		f := newFixture(t, routes.Dashboard)
		assert.Equal(t, ErrNotAuthenticated, f.mgr.UpdateUser(context.Background(), map[string]interface{}{"a": 1}))
	})
}

func TestRefresh(t *testing.T) {
	t.Run("rotates the tokens", func(t *testing.T) {
		f := newFixture(t, routes.Login)
		f.login(t, map[string]interface{}{"id": "1", "role": "admin"})
		require.NoError(t, f.tokens.Set(tokenstore.TenantIDKey, "7"))
		f.auth.refreshFunc = func(refresh string) (lmsapi.RefreshResponse, error) {
			assert.Equal(t, "tok2", refresh)
			return lmsapi.RefreshResponse{Access: "tok3", Refresh: "tok4"}, nil
		}

		require.NoError(t, f.mgr.Refresh(context.Background()))
		tokens, err := tokenstore.LoadTokens(f.tokens)
		require.NoError(t, err)
		assert.Equal(t, tokenstore.Tokens{Access: "tok3", Refresh: "tok4", TenantID: "7"}, tokens)
		assert.NotNil(t, f.mgr.User())
	})

	t.Run("failure logs out", func(t *testing.T) {
		f := newFixture(t, routes.Login)
		f.login(t, map[string]interface{}{"id": "1", "role": "admin"})
		f.nav.Navigate(routes.Admin)
		f.auth.refreshFunc = func(string) (lmsapi.RefreshResponse, error) {
			return lmsapi.RefreshResponse{}, unauthorized()
		}

		err := f.mgr.Refresh(context.Background())
		assert.True(t, lmsapi.IsUnauthorized(err))
		assert.Nil(t, f.mgr.User())
		assert.Zero(t, f.tokens.Len())
		assert.Equal(t, routes.SessionExpiredLogin, f.nav.Location())
	})

	t.Run("without refresh token", func(t *testing.T) {
		f := newFixture(t, routes.Dashboard)
		require.NoError(t, f.tokens.Set(tokenstore.AccessTokenKey, "tok1"))
		assert.Equal(t, ErrNoRefreshToken, f.mgr.Refresh(context.Background()))
		assert.Zero(t, f.tokens.Len())
	})
}

func TestHandleUnauthorized(t *testing.T) {
	f := newFixture(t, routes.Login)
	f.login(t, map[string]interface{}{"id": "1", "role": "admin"})
	f.nav.Navigate(routes.AdminUsers)

	f.mgr.HandleUnauthorized()
	state := f.mgr.State()
	assert.Nil(t, state.User)
	assert.Equal(t, Anonymous, state.Status)
	assert.Equal(t, "session expired", state.Err)
	assert.Zero(t, f.tokens.Len())
	assert.Equal(t, routes.SessionExpiredLogin, f.nav.Location())

	// nothing left to expire
	f.mgr.HandleUnauthorized()
	assert.Len(t, f.nav.Entries(), 3)
}

func TestSubscribe(t *testing.T) {
	f := newFixture(t, routes.Login)
	var mu sync.Mutex
	var seen []Status
	unsubscribe := f.mgr.Subscribe(func(s State) {
		mu.Lock()
		seen = append(seen, s.Status)
		mu.Unlock()
	})

	f.login(t, map[string]interface{}{"id": "1"})
	require.NoError(t, f.mgr.Logout(context.Background()))
	unsubscribe()
	unsubscribe()
	f.login(t, map[string]interface{}{"id": "1"})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{Loading, Authenticated, Anonymous}, seen)
}

func TestClose(t *testing.T) {
	f := newFixture(t, routes.Dashboard)
	f.storeTokens(t)
	started := make(chan struct{})
	release := make(chan struct{})
	f.auth.currentUserFunc = func(context.Context) (lmsapi.CurrentUserResponse, error) {
		close(started)
		<-release
		return lmsapi.CurrentUserResponse{}, unauthorized()
	}

	errc := make(chan error, 1)
	go func() { errc <- f.mgr.FetchUser(context.Background()) }()
	<-started
	f.mgr.Close()
	close(release)

	assert.True(t, lmsapi.IsUnauthorized(<-errc))
	// the late failure is discarded
	assert.Equal(t, 4, f.tokens.Len())
	assert.Equal(t, []string{routes.Dashboard}, f.nav.Entries())
	closed := f.mgr.State()

	assert.Equal(t, ErrClosed, f.mgr.FetchUser(context.Background()))
	_, err := f.mgr.Login(context.Background(), Credentials{Email: "a@b.com", Password: "x"})
	assert.Equal(t, ErrClosed, err)
	assert.Equal(t, ErrClosed, f.mgr.Logout(context.Background()))

	// without a refresh token an open session would expire
	require.NoError(t, f.tokens.Remove(tokenstore.RefreshTokenKey))
	assert.Equal(t, ErrClosed, f.mgr.Refresh(context.Background()))
	assert.Equal(t, 3, f.tokens.Len())
	assert.Equal(t, []string{routes.Dashboard}, f.nav.Entries())

	f.mgr.HandleUnauthorized()
	assert.Equal(t, 3, f.tokens.Len())
	assert.Equal(t, closed, f.mgr.State())
}

func TestCloseDuringLogout(t *testing.T) {
	f := newFixture(t, routes.Login)
	f.login(t, map[string]interface{}{"id": "1"})
	started := make(chan struct{})
	release := make(chan struct{})
	f.auth.logoutFunc = func(string) error {
		close(started)
		<-release
		return nil
	}

	errc := make(chan error, 1)
	go func() { errc <- f.mgr.Logout(context.Background()) }()
	<-started
	f.mgr.Close()
	close(release)

	assert.Equal(t, ErrClosed, <-errc)
	assert.Equal(t, 2, f.tokens.Len())
	assert.Equal(t, "1", f.mgr.User().ID)
}

func TestSubscribeOrder(t *testing.T) {
	f := newFixture(t, routes.Login)
	f.login(t, map[string]interface{}{"id": "1"})

	var mu sync.Mutex
	var last State
	var calls int32
	held := make(chan struct{})
	release := make(chan struct{})
	f.mgr.Subscribe(func(s State) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(held)
			<-release
		}
		mu.Lock()
		last = s
		mu.Unlock()
	})

	logoutErr := make(chan error, 1)
	go func() { logoutErr <- f.mgr.Logout(context.Background()) }()
	<-held

	// the login changes the state while the logout is still being delivered
	loginErr := make(chan error, 1)
	go func() {
		_, err := f.mgr.Login(context.Background(), Credentials{Email: "a@b.com", Password: "x"})
		loginErr <- err
	}()
	require.Eventually(t, func() bool {
		return f.mgr.State().Status == Loading
	}, time.Second, time.Millisecond)
	close(release)

	require.NoError(t, <-logoutErr)
	require.NoError(t, <-loginErr)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, Authenticated, f.mgr.State().Status)
	assert.Equal(t, Authenticated, last.Status)
	require.NotNil(t, last.User)
	assert.Equal(t, "1", last.User.ID)
}

// failingStore fails to store value under key, and every read when getErr is set.
type failingStore struct {
	*tokenstore.MemoryStore
	key, value string
	getErr     error
}

func (s *failingStore) Get(key string) (string, error) {
	if s.getErr != nil {
		return "", s.getErr
	}
	return s.MemoryStore.Get(key)
}

func (s *failingStore) Set(key, value string) error {
	if key == s.key && value == s.value {
		return errors.New("disk full")
	}
	return s.MemoryStore.Set(key, value)
}

func newFailingFixture(t *testing.T, location string, store *failingStore) (*Manager, *authAPIMock) {
	t.Helper()
	auth := &authAPIMock{}
	mgr, err := New(Options{Auth: auth, Tokens: store, Navigator: routes.NewHistory(location)})
	require.NoError(t, err)
	return mgr, auth
}

func TestLoginTokenStoreFailure(t *testing.T) {
	loginAs := func(id, access, refresh string) func(lmsapi.LoginRequest) (lmsapi.LoginResponse, error) {
		return func(lmsapi.LoginRequest) (lmsapi.LoginResponse, error) {
			user := map[string]interface{}{"id": id, "role": "learner"}
			return lmsapi.LoginResponse{User: user, Access: access, Refresh: refresh}, nil
		}
	}
	creds := Credentials{Email: "a@b.com", Password: "x"}

	t.Run("nothing stored", func(t *testing.T) {
		store := &failingStore{MemoryStore: tokenstore.NewMemoryStore(), key: tokenstore.RefreshTokenKey, value: "tok2"}
		mgr, auth := newFailingFixture(t, routes.Login, store)
		auth.loginFunc = loginAs("1", "tok1", "tok2")

		state, err := mgr.Login(context.Background(), creds)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "disk full")
		assert.Nil(t, state.User)
		assert.Equal(t, Anonymous, state.Status)
		assert.Contains(t, state.Err, "storing tokens")
		assert.Zero(t, store.Len())
	})

	t.Run("previous session kept", func(t *testing.T) {
		store := &failingStore{MemoryStore: tokenstore.NewMemoryStore(), key: tokenstore.RefreshTokenKey, value: "tok2"}
		mgr, auth := newFailingFixture(t, routes.Login, store)
		auth.loginFunc = loginAs("1", "old1", "old2")
		_, err := mgr.Login(context.Background(), creds)
		require.NoError(t, err)

		auth.loginFunc = loginAs("2", "tok1", "tok2")
		state, err := mgr.Login(context.Background(), creds)
		require.Error(t, err)
		require.NotNil(t, state.User)
		assert.Equal(t, "1", state.User.ID)
		assert.Equal(t, Authenticated, state.Status)

		tokens, err := tokenstore.LoadTokens(store)
		require.NoError(t, err)
		assert.Equal(t, tokenstore.Tokens{Access: "old1", Refresh: "old2"}, tokens)
	})
}

func TestFetchUserTokenStoreFailure(t *testing.T) {
	store := &failingStore{MemoryStore: tokenstore.NewMemoryStore(), getErr: errors.New("permission denied")}
	mgr, auth := newFailingFixture(t, routes.Dashboard, store)

	err := mgr.FetchUser(context.Background())
	require.Error(t, err)
	state := mgr.State()
	assert.Equal(t, Error, state.Status)
	assert.Nil(t, state.User)
	assert.Contains(t, state.Err, "permission denied")
	assert.Zero(t, atomic.LoadInt32(&auth.currentUserCalls))
}

func TestLoginDuringFetch(t *testing.T) {
	f := newFixture(t, routes.Dashboard)
	f.storeTokens(t)
	started := make(chan struct{})
	release := make(chan struct{})
	f.auth.currentUserFunc = func(context.Context) (lmsapi.CurrentUserResponse, error) {
		close(started)
		<-release
		return lmsapi.CurrentUserResponse{User: map[string]interface{}{"id": "old", "role": "learner"}}, nil
	}

	errc := make(chan error, 1)
	go func() { errc <- f.mgr.FetchUser(context.Background()) }()
	<-started
	f.login(t, map[string]interface{}{"id": "new", "role": "admin"})
	close(release)

	assert.Equal(t, ErrSessionChanged, <-errc)
	assert.Equal(t, "new", f.mgr.User().ID)
	assert.False(t, f.mgr.State().Loading)
}
