package session

import (
	"context"

	"github.com/EkeHanson/complete-lms-sub000/core"
	"github.com/EkeHanson/complete-lms-sub000/services/lmsapi"
	"github.com/EkeHanson/complete-lms-sub000/storage/tokenstore"
)

type (
	// AuthAPI is the authentication part of the LMS API (implemented by *lmsapi.AuthAPI).
	AuthAPI interface {
		Login(ctx context.Context, creds lmsapi.LoginRequest) (lmsapi.LoginResponse, error)
		GetCurrentUser(ctx context.Context) (lmsapi.CurrentUserResponse, error)
		Logout(ctx context.Context, refresh string) error
		RefreshToken(ctx context.Context, refresh string) (lmsapi.RefreshResponse, error)
	}

	// UserAPI is the user management part of the LMS API (implemented by *lmsapi.UserAPI).
	UserAPI interface {
		UpdateUser(ctx context.Context, id string, updates map[string]interface{}) (map[string]interface{}, error)
	}

	// Navigator knows the current location and can move to another one.
	Navigator interface {
		Location() string
		Navigate(target string)
	}

	Options struct {
		Auth      AuthAPI
		Users     UserAPI
		Tokens    tokenstore.Store
		Navigator Navigator
		Roles     RoleTable // defaults to QARoles
		Logger    core.Logger
	}
)

var (
	_ AuthAPI = (*lmsapi.AuthAPI)(nil)
	_ UserAPI = (*lmsapi.UserAPI)(nil)
)
