// Package tokenstore persists the console's auth tokens between runs.
//
// Keys are fixed so that every reader (the session manager and the API client)
// agrees on where the tokens live.
package tokenstore

import "github.com/pkg/errors"

// Storage keys
const (
	AccessTokenKey  = "access_token"
	RefreshTokenKey = "refresh_token"
	TenantIDKey     = "tenant_id"
	TenantSchemaKey = "tenant_schema"
)

var (
	AllKeys = []string{AccessTokenKey, RefreshTokenKey, TenantIDKey, TenantSchemaKey}

	// errors
	ErrNotFound = errors.New("token not found")
)

// Store is a durable string key/value store.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns ErrNotFound if key is not set.
	Get(key string) (string, error)
	Set(key, value string) error
	// Remove deletes the given keys. Missing keys are ignored.
	Remove(keys ...string) error
}

type Tokens struct {
	Access       string
	Refresh      string
	TenantID     string
	TenantSchema string
}

// SetAuthTokens stores the access and refresh tokens.
// Tenant keys are stored when set and removed otherwise, so that a previous tenant never leaks into a new session.
func SetAuthTokens(s Store, t Tokens) error {
	if err := s.Set(AccessTokenKey, t.Access); err != nil {
		return errors.Wrap(err, "storing access token")
	}
	if err := s.Set(RefreshTokenKey, t.Refresh); err != nil {
		return errors.Wrap(err, "storing refresh token")
	}
	for key, val := range map[string]string{TenantIDKey: t.TenantID, TenantSchemaKey: t.TenantSchema} {
		var err error
		if val != "" {
			err = s.Set(key, val)
		} else {
			err = s.Remove(key)
		}
		if err != nil {
			return errors.Wrapf(err, "storing %s", key)
		}
	}
	return nil
}

// ClearAuthTokens removes every auth key.
func ClearAuthTokens(s Store) error {
	return errors.Wrap(s.Remove(AllKeys...), "clearing auth tokens")
}

// LoadTokens returns the stored tokens; missing keys are left empty.
func LoadTokens(s Store) (Tokens, error) {
	var t Tokens
	for key, dst := range map[string]*string{
		AccessTokenKey:  &t.Access,
		RefreshTokenKey: &t.Refresh,
		TenantIDKey:     &t.TenantID,
		TenantSchemaKey: &t.TenantSchema,
	} {
		val, err := s.Get(key)
		if err != nil {
			if errors.Cause(err) == ErrNotFound {
				continue
			}
			return Tokens{}, errors.Wrapf(err, "loading %s", key)
		}
		*dst = val
	}
	return t, nil
}
