package lmsapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/pkg/errors"
)

type (
	// AuthAPI wraps the authentication endpoints.
	AuthAPI struct {
		c *Client
	}

	LoginRequest struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}

	LoginResponse struct {
		User         map[string]interface{} `json:"user"`
		Access       string                 `json:"access"`
		Refresh      string                 `json:"refresh"`
		TenantID     FlexString             `json:"tenant_id,omitempty"`
		TenantSchema string                 `json:"tenant_schema,omitempty"`
	}

	CurrentUserResponse struct {
		User map[string]interface{} `json:"user"`
	}

	RefreshResponse struct {
		Access  string `json:"access"`
		Refresh string `json:"refresh,omitempty"` // set when the API rotates refresh tokens
	}

	PasswordResetConfirm struct {
		UID             string `json:"uid"`
		Token           string `json:"token"`
		Password        string `json:"password"`
		PasswordConfirm string `json:"password_confirm"`
	}

	successResponse struct {
		Success string `json:"success"`
	}
)

var errNoUser = errors.New("response has no user")

func (a *AuthAPI) Login(ctx context.Context, creds LoginRequest) (LoginResponse, error) {
	var res LoginResponse
	if err := a.c.do(ctx, request{method: http.MethodPost, path: "/token/", body: creds}, &res); err != nil {
		return LoginResponse{}, err
	}
	if res.User == nil {
		return LoginResponse{}, errNoUser
	}
	return res, nil
}

func (a *AuthAPI) GetCurrentUser(ctx context.Context) (CurrentUserResponse, error) {
	var res CurrentUserResponse
	if err := a.c.do(ctx, request{method: http.MethodGet, path: "/user/", authed: true}, &res); err != nil {
		return CurrentUserResponse{}, err
	}
	if res.User == nil {
		return CurrentUserResponse{}, errNoUser
	}
	return res, nil
}

// Logout blacklists the given refresh token server side.
func (a *AuthAPI) Logout(ctx context.Context, refresh string) error {
	body := map[string]string{"refresh": refresh}
	return a.c.do(ctx, request{method: http.MethodPost, path: "/logout/", body: body, authed: true}, nil)
}

func (a *AuthAPI) RefreshToken(ctx context.Context, refresh string) (RefreshResponse, error) {
	var res RefreshResponse
	body := map[string]string{"refresh": refresh}
	if err := a.c.do(ctx, request{method: http.MethodPost, path: "/token/refresh/", body: body}, &res); err != nil {
		return RefreshResponse{}, err
	}
	if res.Access == "" {
		return RefreshResponse{}, errors.New("refresh response has no access token")
	}
	return res, nil
}

func (a *AuthAPI) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	var res successResponse
	body := map[string]string{"email": email}
	err := a.c.do(ctx, request{method: http.MethodPost, path: "/password-reset/", body: body}, &res)
	return res.Success, err
}

func (a *AuthAPI) ConfirmPasswordReset(ctx context.Context, data PasswordResetConfirm) (string, error) {
	var res successResponse
	err := a.c.do(ctx, request{method: http.MethodPost, path: "/password-reset-confirm/", body: data}, &res)
	return res.Success, err
}

// TokenExpiry returns the expiry time of a JWT access token without verifying its signature.
// The zero time is returned for tokens without an `exp` claim.
func TokenExpiry(token string) (time.Time, error) {
	claims := new(jwt.StandardClaims)
	if _, _, err := new(jwt.Parser).ParseUnverified(token, claims); err != nil {
		return time.Time{}, errors.Wrap(err, "parsing token")
	}
	if claims.ExpiresAt == 0 {
		return time.Time{}, nil
	}
	return time.Unix(claims.ExpiresAt, 0), nil
}

// FlexString decodes JSON strings and numbers alike (eg. ids that are ints for some tenants).
type FlexString string

func (s *FlexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = ""
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = FlexString(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return errors.Wrap(err, "decoding string or number")
	}
	*s = FlexString(num.String())
	return nil
}

func (s FlexString) String() string { return string(s) }
