package devapi

import (
	"strconv"
	"sync"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/EkeHanson/complete-lms-sub000/core/user"
)

const (
	accessTokenType  = "access"
	refreshTokenType = "refresh"

	contextTokenKey = "userToken"
	contextUserKey  = "user"
)

// Claims represents the authorization claims transmitted via a JWT.
type Claims struct {
	jwt.StandardClaims
	TokenType string `json:"token_type"`
	Email     string `json:"email,omitempty"`
	Role      string `json:"role,omitempty"`
	TenantID  string `json:"tenant_id,omitempty"`
}

type tokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// tokenIssuer signs access/refresh token pairs and keeps the list of revoked refresh tokens.
type tokenIssuer struct {
	key        []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time

	mu      sync.Mutex
	revoked map[string]int64 // {jti: expiresAt}
}

func newTokenIssuer(secret string, accessTTL, refreshTTL time.Duration) *tokenIssuer {
	return &tokenIssuer{
		key:        []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
		revoked:    make(map[string]int64),
	}
}

func (ti *tokenIssuer) jwtConfig() middleware.JWTConfig {
	return middleware.JWTConfig{
		SigningKey:    ti.key,
		SigningMethod: middleware.AlgorithmHS256,
		ContextKey:    contextTokenKey,
		Claims:        new(Claims),
	}
}

func (ti *tokenIssuer) claims(usr user.User, typ string, ttl time.Duration) *Claims {
	now := ti.now()
	return &Claims{
		StandardClaims: jwt.StandardClaims{
			Id:        uuid.New().String(),
			Subject:   strconv.Itoa(usr.ID),
			ExpiresAt: now.Add(ttl).Unix(),
			IssuedAt:  now.Unix(),
		},
		TokenType: typ,
		Email:     usr.Email,
		Role:      usr.Role,
		TenantID:  usr.TenantID,
	}
}

func (ti *tokenIssuer) sign(claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	ss, err := token.SignedString(ti.key)
	if err != nil {
		return "", errors.Wrap(err, "signing token")
	}
	return ss, nil
}

// issue returns a new token pair for usr.
func (ti *tokenIssuer) issue(usr user.User) (tokenPair, error) {
	access, err := ti.sign(ti.claims(usr, accessTokenType, ti.accessTTL))
	if err != nil {
		return tokenPair{}, err
	}
	refresh, err := ti.sign(ti.claims(usr, refreshTokenType, ti.refreshTTL))
	if err != nil {
		return tokenPair{}, err
	}
	return tokenPair{Access: access, Refresh: refresh}, nil
}

// parseRefresh returns the claims of a valid, non revoked refresh token.
func (ti *tokenIssuer) parseRefresh(tokenStr string) (*Claims, error) {
	claims := new(Claims)
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return ti.key, nil
	})
	if err != nil || claims.TokenType != refreshTokenType {
		return nil, errTokenInvalid
	}

	ti.mu.Lock()
	defer ti.mu.Unlock()
	if _, ok := ti.revoked[claims.Id]; ok {
		return nil, errTokenInvalid
	}
	return claims, nil
}

func (ti *tokenIssuer) revoke(claims *Claims) {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	now := ti.now().Unix()
	for jti, exp := range ti.revoked {
		if exp < now {
			delete(ti.revoked, jti)
		}
	}
	ti.revoked[claims.Id] = claims.ExpiresAt
}

// accessTokenMiddleware rejects refresh tokens presented as bearer tokens.
func accessTokenMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			claims, err := getContextClaims(ctx)
			if err != nil {
				return err
			}
			if claims.TokenType != accessTokenType {
				return errTokenInvalid
			}
			return next(ctx)
		}
	}
}

func getContextClaims(ctx echo.Context) (Claims, error) {
	if token, ok := ctx.Get(contextTokenKey).(*jwt.Token); ok {
		if claims, ok := token.Claims.(*Claims); ok {
			return *claims, nil
		}
	}
	return Claims{}, errUnauthorized
}

func getContextUser(ctx echo.Context, svc *user.Service) (user.User, error) {
	if usr, ok := ctx.Get(contextUserKey).(user.User); ok {
		return usr, nil
	}

	claims, err := getContextClaims(ctx)
	if err != nil {
		return user.User{}, err
	}
	usr, err := svc.GetBySubject(claims.Subject)
	if err != nil {
		if err == user.ErrNotFound {
			return user.User{}, errTokenInvalid
		}
		return user.User{}, errors.Wrap(err, "finding user by ID")
	}
	if !usr.IsActive {
		return user.User{}, errAccountDeactivated
	}
	ctx.Set(contextUserKey, usr)
	return usr, nil
}
