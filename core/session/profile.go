package session

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Raw user payload keys
const (
	keyID          = "id"
	keyEmail       = "email"
	keyRole        = "role"
	keyQAStats     = "qa_stats"
	keyQAStatsAlt  = "qaStats"
	keyPermissions = "permissions"
)

// PermissionSet is a set of permission names. The "*" permission grants everything.
type PermissionSet map[string]struct{}

func NewPermissionSet(perms ...string) PermissionSet {
	ps := make(PermissionSet, len(perms))
	for _, p := range perms {
		ps[p] = struct{}{}
	}
	return ps
}

// Has reports whether the set contains the wildcard or name.
func (ps PermissionSet) Has(name string) bool {
	if _, ok := ps[PermAll]; ok {
		return true
	}
	_, ok := ps[name]
	return ok
}

// List returns the sorted permission names.
func (ps PermissionSet) List() []string {
	list := make([]string, 0, len(ps))
	for p := range ps {
		list = append(list, p)
	}
	sort.Strings(list)
	return list
}

func (ps PermissionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(ps.List())
}

// Profile is the logged in user as seen by the console.
// A Profile is never modified once built: updates produce a new Profile.
type Profile struct {
	ID          string                 `json:"id"`
	Email       string                 `json:"email"`
	Role        string                 `json:"role"`
	Permissions PermissionSet          `json:"permissions"`
	QAStats     map[string]interface{} `json:"qa_stats,omitempty"`
	// Attributes holds every other field of the user payload (names, tenant, avatar...).
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// newProfile builds a Profile from the raw user payload of the API.
// The role defaults to DefaultRole and the permissions are resolved from roles.
func newProfile(raw map[string]interface{}, roles RoleTable) *Profile {
	p := &Profile{Attributes: make(map[string]interface{})}
	for key, val := range raw {
		p.set(key, val, false)
	}
	if p.Role == "" {
		p.Role = DefaultRole
	}
	p.Permissions = roles.Permissions(p.Role)
	return p
}

// merge returns a copy of p updated with the fields of an update response.
// Top level fields replace the previous values except the QA stats which are merged key by key.
func (p *Profile) merge(updates map[string]interface{}, roles RoleTable) *Profile {
	np := p.clone()
	prevRole := np.Role
	for key, val := range updates {
		np.set(key, val, true)
	}
	if np.Role == "" {
		np.Role = DefaultRole
	}
	if !strings.EqualFold(np.Role, prevRole) {
		np.Permissions = roles.Permissions(np.Role)
	}
	return np
}

func (p *Profile) set(key string, val interface{}, mergeQA bool) {
	switch key {
	case keyID:
		p.ID = stringify(val)
	case keyEmail:
		p.Email = stringify(val)
	case keyRole:
		p.Role = strings.TrimSpace(stringify(val))
	case keyQAStats, keyQAStatsAlt:
		stats, ok := val.(map[string]interface{})
		if !ok {
			p.QAStats = nil
			return
		}
		if !mergeQA || p.QAStats == nil {
			p.QAStats = copyMap(stats)
			return
		}
		for k, v := range stats {
			p.QAStats[k] = v
		}
	case keyPermissions:
		// resolved from the role table, never trusted from the payload
	default:
		p.Attributes[key] = val
	}
}

// Attribute returns the string value of an extra payload field.
func (p *Profile) Attribute(key string) string {
	if val, ok := p.Attributes[key]; ok {
		return stringify(val)
	}
	return ""
}

// DisplayName returns the best human name available.
func (p *Profile) DisplayName() string {
	first, last := p.Attribute("first_name"), p.Attribute("last_name")
	if name := strings.TrimSpace(first + " " + last); name != "" {
		return name
	}
	if name := p.Attribute("name"); name != "" {
		return name
	}
	return p.Email
}

func (p *Profile) clone() *Profile {
	if p == nil {
		return nil
	}
	np := *p
	np.Permissions = make(PermissionSet, len(p.Permissions))
	for perm := range p.Permissions {
		np.Permissions[perm] = struct{}{}
	}
	if p.QAStats != nil {
		np.QAStats = copyMap(p.QAStats)
	}
	np.Attributes = copyMap(p.Attributes)
	return &np
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	cp := make(map[string]interface{}, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func stringify(val interface{}) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return fmt.Sprint(v)
	}
}
