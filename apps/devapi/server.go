// Package devapi is a reference implementation of the LMS REST API consumed by the console.
// It keeps its users in memory and is meant for local development and integration tests.
package devapi

import (
	"context"
	"net/http"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"

	"github.com/EkeHanson/complete-lms-sub000/core"
	"github.com/EkeHanson/complete-lms-sub000/core/user"
)

type (
	Options struct {
		Address        string
		Debug          bool
		DisableReqLogs bool
		SecretKey      string
		AccessTTL      time.Duration
		RefreshTTL     time.Duration
		UserSvc        *user.Service
		Logger         core.Logger
		Validate       *validator.Validate
		Translator     ut.Translator
		Cleanup        func() error // called once the server stopped
	}

	Server interface {
		http.Handler
		Start() error
		Stop(context.Context) error
	}

	server struct {
		opts   Options
		app    *echo.Echo
		tokens *tokenIssuer
	}
)

var _ Server = (*server)(nil)

// NewOptions returns the server options of conf. Validate and Translator are set up with the user validators.
func NewOptions(conf *core.Config, userSvc *user.Service, logger core.Logger) Options {
	validate, translator := core.NewValidator()
	user.RegisterValidators(validate, translator)
	user.Configure(conf.Server.SecretKey, conf.Server.PasswordResetTimeoutDelta)
	return Options{
		Address:        conf.Server.Address,
		Debug:          conf.Debug,
		DisableReqLogs: conf.Server.DisableReqLogs,
		SecretKey:      conf.Server.SecretKey,
		AccessTTL:      conf.Server.JWTExpirationDelta,
		RefreshTTL:     conf.Server.JWTRefreshExpirationDelta,
		UserSvc:        userSvc,
		Logger:         logger,
		Validate:       validate,
		Translator:     translator,
	}
}

func NewServer(opts Options) Server {
	if opts.Logger == nil {
		opts.Logger = core.NopLogger{}
	}
	s := &server{
		opts:   opts,
		app:    echo.New(),
		tokens: newTokenIssuer(opts.SecretKey, opts.AccessTTL, opts.RefreshTTL),
	}
	s.setup()
	return s
}

func (s *server) setup() {
	s.app.HideBanner = true
	s.app.HidePort = true

	s.app.Pre(middleware.RemoveTrailingSlash())
	if !s.opts.DisableReqLogs {
		s.app.Use(middleware.Logger())
	}
	// do not recover in DEV mode
	if !s.opts.Debug {
		s.app.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{LogLevel: log.ERROR}))
	}

	s.app.HTTPErrorHandler = newAppHTTPErrorHandler(s.opts.Logger, s.opts.Translator)
	s.app.Debug = s.opts.Debug

	s.app.GET("/", home)

	api := s.app.Group("/api")
	jwt := middleware.JWTWithConfig(s.tokens.jwtConfig())

	registerAuthAPI(api, jwt, s)
	registerUserAPI(api, jwt, s)
}

func (s *server) Start() error {
	err := s.app.Start(s.opts.Address)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *server) Stop(ctx context.Context) error {
	err := s.app.Shutdown(ctx)
	if s.opts.Cleanup != nil {
		if cErr := s.opts.Cleanup(); cErr != nil && err == nil {
			err = cErr
		}
	}
	return err
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) { // for tests
	s.app.ServeHTTP(w, r)
}

func home(ctx echo.Context) error {
	return ctx.String(http.StatusOK, "LMS development API")
}
