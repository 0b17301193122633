package devapi

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EkeHanson/complete-lms-sub000/core"
	"github.com/EkeHanson/complete-lms-sub000/core/user"
	emailsvc "github.com/EkeHanson/complete-lms-sub000/services/email"
)

const learnerID = 5

var resetLinkRegex = regexp.MustCompile(`uid=([^&\s]+)&token=(\S+)`)

type testApp struct {
	*server
	mail *emailsvc.ConsoleServiceMock
}

func newTestApp(t *testing.T) testApp {
	t.Helper()
	conf, err := core.NewConfig()
	require.NoError(t, err)
	conf.Debug = false
	conf.FrontendBaseURL = "https://lms.test"
	conf.Server.SecretKey = "test-secret"
	conf.Server.DisableReqLogs = true

	mailSvc := emailsvc.NewConsoleServiceMock(conf)
	usrSvc := user.NewService(user.NewMemoryRepository(), mailSvc)
	_, err = user.Seed(usrSvc, user.DefaultSeedPassword)
	require.NoError(t, err)

	srv := NewServer(NewOptions(conf, usrSvc, nil)).(*server)
	return testApp{server: srv, mail: mailSvc}
}

func (app testApp) do(t *testing.T, method, path, token string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	app.ServeHTTP(rec, req)

	var data map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &data), rec.Body.String())
	}
	return rec.Code, data
}

func (app testApp) login(t *testing.T, email string) (access, refresh string) {
	t.Helper()
	code, data := app.do(t, http.MethodPost, "/api/token/", "", echoMap("email", email, "password", user.DefaultSeedPassword))
	require.Equal(t, http.StatusOK, code, data)
	return data["access"].(string), data["refresh"].(string)
}

func echoMap(kv ...interface{}) map[string]interface{} {
	m := make(map[string]interface{}, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		m[kv[i].(string)] = kv[i+1]
	}
	return m
}

func detail(msg string) map[string]interface{} {
	return map[string]interface{}{"detail": msg}
}

func TestLogin(t *testing.T) {
	app := newTestApp(t)

	tests := []struct {
		name     string
		body     map[string]interface{}
		wantCode int
		wantData map[string]interface{}
	}{
		{
			name:     "bad password",
			body:     echoMap("email", "learner@lms.test", "password", "nope"),
			wantCode: http.StatusUnauthorized,
			wantData: detail("No active account found with the given credentials"),
		},
		{
			name:     "unknown email",
			body:     echoMap("email", "ghost@lms.test", "password", user.DefaultSeedPassword),
			wantCode: http.StatusUnauthorized,
			wantData: detail("No active account found with the given credentials"),
		},
		{
			name:     "invalid email",
			body:     echoMap("email", "learner", "password", "x"),
			wantCode: http.StatusBadRequest,
			wantData: map[string]interface{}{"email": "email must be a valid email address"},
		},
		{
			name:     "missing fields",
			body:     echoMap(),
			wantCode: http.StatusBadRequest,
			wantData: map[string]interface{}{"email": "this field is required", "password": "this field is required"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, data := app.do(t, http.MethodPost, "/api/token/", "", tt.body)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantData, data)
		})
	}

	t.Run("success", func(t *testing.T) {
		code, data := app.do(t, http.MethodPost, "/api/token", "", echoMap("email", " Learner@LMS.test", "password", user.DefaultSeedPassword))
		require.Equal(t, http.StatusOK, code)
		assert.NotEmpty(t, data["access"])
		assert.NotEmpty(t, data["refresh"])
		assert.Equal(t, "1", data["tenant_id"])
		assert.Equal(t, "acme", data["tenant_schema"])

		usr := data["user"].(map[string]interface{})
		assert.Equal(t, float64(learnerID), usr["id"])
		assert.Equal(t, "learner@lms.test", usr["email"])
		assert.Equal(t, "learner", usr["role"])
		assert.NotContains(t, usr, "password")
	})

	t.Run("no tenant", func(t *testing.T) {
		code, data := app.do(t, http.MethodPost, "/api/token/", "", echoMap("email", "superadmin@lms.test", "password", user.DefaultSeedPassword))
		require.Equal(t, http.StatusOK, code)
		assert.NotContains(t, data, "tenant_id")
		assert.NotContains(t, data, "tenant_schema")
	})
}

func TestCurrentUser(t *testing.T) {
	app := newTestApp(t)
	access, refresh := app.login(t, "iqa@lms.test")

	tests := []struct {
		name     string
		token    string
		wantCode int
		wantData map[string]interface{}
	}{
		{"no token", "", http.StatusUnauthorized, detail("Authentication credentials were not provided.")},
		{"garbage token", "garbage", http.StatusUnauthorized, detail("Token is invalid or expired")},
		{"refresh token", refresh, http.StatusUnauthorized, detail("Token is invalid or expired")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, data := app.do(t, http.MethodGet, "/api/user/", tt.token, nil)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantData, data)
		})
	}

	t.Run("valid token", func(t *testing.T) {
		code, data := app.do(t, http.MethodGet, "/api/user/", access, nil)
		require.Equal(t, http.StatusOK, code)
		usr := data["user"].(map[string]interface{})
		assert.Equal(t, "iqa_lead", usr["role"])
		assert.Equal(t, map[string]interface{}{"sampled": float64(12), "pending": float64(3), "approved": float64(9)}, usr["qa_stats"])
	})

	t.Run("expired token", func(t *testing.T) {
		app.tokens.now = func() time.Time { return time.Now().Add(-time.Hour) }
		defer func() { app.tokens.now = time.Now }()
		pair, err := app.tokens.issue(user.User{ID: learnerID})
		require.NoError(t, err)

		code, data := app.do(t, http.MethodGet, "/api/user/", pair.Access, nil)
		assert.Equal(t, http.StatusUnauthorized, code)
		assert.Equal(t, detail("Token is invalid or expired"), data)
	})
}

func TestRefresh(t *testing.T) {
	app := newTestApp(t)
	access, refresh := app.login(t, "trainer@lms.test")

	code, data := app.do(t, http.MethodPost, "/api/token/refresh/", "", echoMap("refresh", refresh))
	require.Equal(t, http.StatusOK, code)
	newAccess, newRefresh := data["access"].(string), data["refresh"].(string)
	assert.NotEqual(t, access, newAccess)
	assert.NotEqual(t, refresh, newRefresh)

	code, _ = app.do(t, http.MethodGet, "/api/user/", newAccess, nil)
	assert.Equal(t, http.StatusOK, code)

	// rotated tokens cannot be reused
	code, data = app.do(t, http.MethodPost, "/api/token/refresh/", "", echoMap("refresh", refresh))
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, detail("Token is invalid or expired"), data)

	code, _ = app.do(t, http.MethodPost, "/api/token/refresh/", "", echoMap("refresh", newAccess))
	assert.Equal(t, http.StatusUnauthorized, code)

	code, data = app.do(t, http.MethodPost, "/api/token/refresh/", "", echoMap())
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, map[string]interface{}{"refresh": "this field is required"}, data)
}

func TestLogout(t *testing.T) {
	app := newTestApp(t)
	access, refresh := app.login(t, "learner@lms.test")
	_, otherRefresh := app.login(t, "student@lms.test")

	code, _ := app.do(t, http.MethodPost, "/api/logout/", "", echoMap("refresh", refresh))
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = app.do(t, http.MethodPost, "/api/logout/", access, echoMap("refresh", otherRefresh))
	assert.Equal(t, http.StatusForbidden, code)

	code, data := app.do(t, http.MethodPost, "/api/logout/", access, echoMap("refresh", refresh))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]interface{}{"success": "Successfully logged out."}, data)

	code, _ = app.do(t, http.MethodPost, "/api/token/refresh/", "", echoMap("refresh", refresh))
	assert.Equal(t, http.StatusUnauthorized, code)

	code, data = app.do(t, http.MethodPost, "/api/logout/", access, echoMap("refresh", refresh))
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, map[string]interface{}{"refresh": "token is invalid or expired"}, data)
}

func TestUpdateUser(t *testing.T) {
	app := newTestApp(t)
	learnerToken, _ := app.login(t, "learner@lms.test")
	adminToken, _ := app.login(t, "admin@lms.test")

	learnerPath := "/api/users/5/"
	tests := []struct {
		name     string
		path     string
		token    string
		body     map[string]interface{}
		wantCode int
		wantData map[string]interface{}
	}{
		{
			name:     "self",
			path:     learnerPath,
			token:    learnerToken,
			body:     echoMap("first_name", "  Grace "),
			wantCode: http.StatusOK,
			wantData: map[string]interface{}{"first_name": "Grace"},
		},
		{
			name:     "self role",
			path:     learnerPath,
			token:    learnerToken,
			body:     echoMap("role", "admin"),
			wantCode: http.StatusForbidden,
			wantData: detail("You do not have permission to perform this action."),
		},
		{
			name:     "other user",
			path:     "/api/users/2/",
			token:    learnerToken,
			body:     echoMap("first_name", "Eve"),
			wantCode: http.StatusForbidden,
			wantData: detail("You do not have permission to perform this action."),
		},
		{
			name:     "invalid email",
			path:     learnerPath,
			token:    learnerToken,
			body:     echoMap("email", "nope"),
			wantCode: http.StatusBadRequest,
			wantData: map[string]interface{}{"email": "email must be a valid email address"},
		},
		{
			name:     "email taken",
			path:     learnerPath,
			token:    learnerToken,
			body:     echoMap("email", "ADMIN@lms.test"),
			wantCode: http.StatusBadRequest,
			wantData: map[string]interface{}{"email": user.ErrEmailExists.Error()},
		},
		{
			name:     "admin sets role",
			path:     learnerPath,
			token:    adminToken,
			body:     echoMap("role", "Trainer", "qa_stats", echoMap("sampled", 1)),
			wantCode: http.StatusOK,
			wantData: map[string]interface{}{"role": "trainer", "qa_stats": map[string]interface{}{"sampled": float64(1)}},
		},
		{
			name:     "admin sets invalid role",
			path:     learnerPath,
			token:    adminToken,
			body:     echoMap("role", "janitor"),
			wantCode: http.StatusBadRequest,
			wantData: map[string]interface{}{"role": "invalid role"},
		},
		{
			name:     "unknown user",
			path:     "/api/users/999/",
			token:    adminToken,
			body:     echoMap("first_name", "Nobody"),
			wantCode: http.StatusNotFound,
			wantData: detail("Not found."),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, data := app.do(t, http.MethodPatch, tt.path, tt.token, tt.body)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantData, data)
		})
	}

	code, data := app.do(t, http.MethodGet, "/api/user/", learnerToken, nil)
	require.Equal(t, http.StatusOK, code)
	usr := data["user"].(map[string]interface{})
	assert.Equal(t, "Grace", usr["first_name"])
	assert.Equal(t, "trainer", usr["role"])

	t.Run("deactivated", func(t *testing.T) {
		code, _ := app.do(t, http.MethodPatch, "/api/users/6/", adminToken, echoMap("is_active", false))
		require.Equal(t, http.StatusOK, code)

		code, data := app.do(t, http.MethodPost, "/api/token/", "", echoMap("email", "student@lms.test", "password", user.DefaultSeedPassword))
		assert.Equal(t, http.StatusForbidden, code)
		assert.Equal(t, detail("account deactivated"), data)
	})
}

func TestQueryUsers(t *testing.T) {
	app := newTestApp(t)
	learnerToken, _ := app.login(t, "learner@lms.test")
	adminToken, _ := app.login(t, "admin@lms.test")

	code, _ := app.do(t, http.MethodGet, "/api/users/", learnerToken, nil)
	assert.Equal(t, http.StatusForbidden, code)

	req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec := httptest.NewRecorder()
	app.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var users []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &users))
	assert.Len(t, users, len(user.SeedUsers))

	code, data := app.do(t, http.MethodGet, "/api/users/2/", learnerToken, nil)
	assert.Equal(t, http.StatusForbidden, code)
	code, data = app.do(t, http.MethodGet, "/api/users/5/", adminToken, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "learner@lms.test", data["email"])
}

func TestPasswordReset(t *testing.T) {
	app := newTestApp(t)
	success := map[string]interface{}{"success": "If the email address supplied is associated with an active account on this system, " +
		"an email will arrive in your inbox shortly with instructions to reset your password."}

	code, data := app.do(t, http.MethodPost, "/api/password-reset/", "", echoMap("email", "ghost@lms.test"))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, success, data)
	assert.Empty(t, app.mail.SentMessages())

	code, data = app.do(t, http.MethodPost, "/api/password-reset/", "", echoMap("email", "Learner@lms.test"))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, success, data)

	sent := app.mail.SentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "learner@lms.test", sent[0].To[0].Address)
	match := resetLinkRegex.FindStringSubmatch(sent[0].TextContent)
	require.Len(t, match, 3)
	uid, token := match[1], match[2]

	newPwd := "n3w-Secret!x"
	tests := []struct {
		name     string
		body     map[string]interface{}
		wantCode int
		wantData map[string]interface{}
	}{
		{
			name:     "bad token",
			body:     echoMap("uid", uid, "token", "nope", "password", newPwd, "password_confirm", newPwd),
			wantCode: http.StatusBadRequest,
			wantData: map[string]interface{}{"token": user.ErrInvalidToken.Error()},
		},
		{
			name:     "bad uid",
			body:     echoMap("uid", "!!", "token", token, "password", newPwd, "password_confirm", newPwd),
			wantCode: http.StatusBadRequest,
			wantData: map[string]interface{}{"token": user.ErrInvalidToken.Error()},
		},
		{
			name:     "weak password",
			body:     echoMap("uid", uid, "token", token, "password", "password", "password_confirm", "password"),
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "success",
			body:     echoMap("uid", uid, "token", token, "password", newPwd, "password_confirm", newPwd),
			wantCode: http.StatusOK,
			wantData: map[string]interface{}{"success": "Password has been reset with the new password."},
		},
		{
			name:     "token used",
			body:     echoMap("uid", uid, "token", token, "password", newPwd+"2", "password_confirm", newPwd+"2"),
			wantCode: http.StatusBadRequest,
			wantData: map[string]interface{}{"token": user.ErrInvalidToken.Error()},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, data := app.do(t, http.MethodPost, "/api/password-reset-confirm/", "", tt.body)
			assert.Equal(t, tt.wantCode, code)
			if tt.wantData != nil {
				assert.Equal(t, tt.wantData, data)
			}
		})
	}

	code, _ = app.do(t, http.MethodPost, "/api/token/", "", echoMap("email", "learner@lms.test", "password", newPwd))
	assert.Equal(t, http.StatusOK, code)
}

func TestHome(t *testing.T) {
	app := newTestApp(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	app.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "LMS development API", rec.Body.String())
}

// lockedBuffer is written to by the mailing goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestNewDevServer(t *testing.T) {
	conf, err := core.NewConfig()
	require.NoError(t, err)
	conf.Server.SecretKey = "test-secret"
	conf.Server.DisableReqLogs = true
	conf.Server.DatabaseURL = ""
	conf.Server.SendgridAPIKey = ""

	mailOutput := new(lockedBuffer)
	srv, err := NewDevServer(conf, log.New(mailOutput, "", 0), nil)
	require.NoError(t, err)
	app := testApp{server: srv.(*server)}

	app.login(t, "superadmin@lms.test")

	code, _ := app.do(t, http.MethodPost, "/api/password-reset/", "", echoMap("email", "admin@lms.test"))
	assert.Equal(t, http.StatusOK, code)
	assert.Eventually(t, func() bool {
		return strings.Contains(mailOutput.String(), "password-reset-confirm?uid=Mg")
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, srv.Stop(context.Background()))
}

func TestSeedOnce(t *testing.T) {
	svc := user.NewService(user.NewMemoryRepository(), nil)
	require.NoError(t, seed(svc))
	require.NoError(t, seed(svc))
	users, err := svc.QueryAll()
	require.NoError(t, err)
	assert.Len(t, users, len(user.SeedUsers))
}
