package lmsapi

import (
	"context"
	"net/http"
	"net/url"
)

// UserAPI wraps the user management endpoints.
type UserAPI struct {
	c *Client
}

// UpdateUser partially updates the user and returns the updated fields.
func (u *UserAPI) UpdateUser(ctx context.Context, id string, updates map[string]interface{}) (map[string]interface{}, error) {
	var res map[string]interface{}
	path := "/users/" + url.PathEscape(id) + "/"
	if err := u.c.do(ctx, request{method: http.MethodPatch, path: path, body: updates, authed: true}, &res); err != nil {
		return nil, err
	}
	if res == nil {
		res = make(map[string]interface{})
	}
	return res, nil
}
