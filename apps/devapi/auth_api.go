package devapi

import (
	"net/http"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/EkeHanson/complete-lms-sub000/core"
	"github.com/EkeHanson/complete-lms-sub000/core/session"
	"github.com/EkeHanson/complete-lms-sub000/core/user"
)

type (
	loginResponse struct {
		User         map[string]interface{} `json:"user"`
		Access       string                 `json:"access"`
		Refresh      string                 `json:"refresh"`
		TenantID     string                 `json:"tenant_id,omitempty"`
		TenantSchema string                 `json:"tenant_schema,omitempty"`
	}

	refreshRequest struct {
		Refresh string `json:"refresh" validate:"required"`
	}

	passwordResetRequest struct {
		Email string `json:"email" validate:"required,email"`
	}

	successResponse struct {
		Success string `json:"success"`
	}
)

type authApi struct {
	svc        *user.Service
	tokens     *tokenIssuer
	validate   *validator.Validate
	translator ut.Translator
	logger     core.Logger
}

func registerAuthAPI(g *echo.Group, jwt echo.MiddlewareFunc, s *server) {
	api := authApi{
		svc:        s.opts.UserSvc,
		tokens:     s.tokens,
		validate:   s.opts.Validate,
		translator: s.opts.Translator,
		logger:     s.opts.Logger,
	}

	// un-authed endpoints
	g.POST("/token", api.login)
	g.POST("/token/refresh", api.refresh)
	g.POST("/password-reset", api.resetPassword)
	g.POST("/password-reset-confirm", api.confirmPasswordReset)

	// authed endpoints
	ag := g.Group("", jwt, accessTokenMiddleware())
	ag.GET("/user", api.currentUser)
	ag.POST("/logout", api.logout)
}

func (api *authApi) login(ctx echo.Context) error {
	var data session.Credentials
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to Credentials")
	}
	if err := data.Validate(api.validate, api.translator); err != nil {
		return err
	}

	usr, err := api.svc.Authenticate(data.Email, data.Password)
	if err != nil {
		switch err {
		case user.ErrNotFound:
			return errAuthenticationFailed
		case user.ErrInactive:
			return errAccountDeactivated
		}
		return errors.Wrap(err, "authenticating")
	}
	pair, err := api.tokens.issue(usr)
	if err != nil {
		return errors.Wrap(err, "issuing tokens")
	}

	return ctx.JSON(http.StatusOK, loginResponse{
		User:         usr.Payload(),
		Access:       pair.Access,
		Refresh:      pair.Refresh,
		TenantID:     usr.TenantID,
		TenantSchema: usr.TenantSchema,
	})
}

func (api *authApi) currentUser(ctx echo.Context) error {
	usr, err := getContextUser(ctx, api.svc)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, echo.Map{"user": usr.Payload()})
}

// logout blacklists the refresh token of the session.
func (api *authApi) logout(ctx echo.Context) error {
	var data refreshRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to refreshRequest")
	}
	if err := api.validate.Struct(data); err != nil {
		return core.TranslateValidationErrors(err, api.translator)
	}

	claims, err := api.tokens.parseRefresh(data.Refresh)
	if err != nil {
		return core.NewValidationError(nil, core.FieldError{Field: "refresh", Error: "token is invalid or expired"})
	}
	if access, _ := getContextClaims(ctx); access.Subject != claims.Subject {
		return errHttpForbidden
	}
	api.tokens.revoke(claims)
	return ctx.JSON(http.StatusOK, successResponse{Success: "Successfully logged out."})
}

// refresh rotates the refresh token: the presented one is revoked and a new pair is issued.
func (api *authApi) refresh(ctx echo.Context) error {
	var data refreshRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to refreshRequest")
	}
	if err := api.validate.Struct(data); err != nil {
		return core.TranslateValidationErrors(err, api.translator)
	}

	claims, err := api.tokens.parseRefresh(data.Refresh)
	if err != nil {
		return err
	}
	usr, err := api.svc.GetBySubject(claims.Subject)
	if err != nil {
		if err == user.ErrNotFound {
			return errTokenInvalid
		}
		return errors.Wrap(err, "finding user by ID")
	}
	if !usr.IsActive {
		return errAccountDeactivated
	}

	pair, err := api.tokens.issue(usr)
	if err != nil {
		return errors.Wrap(err, "issuing tokens")
	}
	api.tokens.revoke(claims)
	return ctx.JSON(http.StatusOK, pair)
}

func (api *authApi) resetPassword(ctx echo.Context) error {
	var data passwordResetRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to passwordResetRequest")
	}
	data.Email = core.CleanString(data.Email, true /* lower */)
	if err := api.validate.Struct(data); err != nil {
		return core.TranslateValidationErrors(err, api.translator)
	}

	if err := api.svc.RequestPasswordReset(data.Email); err != nil {
		if cause := errors.Cause(err); cause != user.ErrNotFound && cause != user.ErrInactive {
			// do not return errors to attackers
			api.logger.Error("requesting password reset", errors.Wrap(err, "requesting password reset"))
		}
	}
	return ctx.JSON(http.StatusOK, successResponse{
		Success: "If the email address supplied is associated with an active account on this system, " +
			"an email will arrive in your inbox shortly with instructions to reset your password.",
	})
}

func (api *authApi) confirmPasswordReset(ctx echo.Context) error {
	var data user.ResetUserPassword
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ResetUserPassword")
	}

	if _, err := api.svc.ResetPassword(data, api.validate, api.translator); err != nil {
		switch cause := errors.Cause(err); cause {
		case user.ErrInvalidToken, user.ErrTokenExpired:
			return core.NewValidationError(nil, core.FieldError{Field: "token", Error: cause.Error()})
		}
		if core.IsValidationError(err) {
			return err
		}
		return errors.Wrap(err, "resetting password")
	}
	return ctx.JSON(http.StatusOK, successResponse{Success: "Password has been reset with the new password."})
}
