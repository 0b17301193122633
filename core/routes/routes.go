// Package routes is the console's route tree: it maps locations to screens and
// decides, from the session, whether a screen may be shown or where to redirect.
package routes

import (
	"net/url"
	"path"
	"sort"
	"strings"
)

// Locations
const (
	Root = "/"

	// auth screens
	Login                = "/login"
	Signup               = "/signup"
	ForgotPassword       = "/forgot-password"
	ResetPassword        = "/reset-password"
	PasswordResetConfirm = "/password-reset-confirm"

	// dashboards
	Admin            = "/admin"
	TrainerDashboard = "/trainer-dashboard"
	StudentDashboard = "/student-dashboard"
	IQA              = "/iqa"
	Dashboard        = "/dashboard"

	// admin screens
	AdminUsers         = "/admin/users"
	AdminCourses       = "/admin/courses"
	AdminFinance       = "/admin/finance"
	AdminQA            = "/admin/qa"
	AdminSecurity      = "/admin/security"
	AdminNotifications = "/admin/notifications"
	AdminModeration    = "/admin/moderation"

	Unauthorized = "/unauthorized"

	SessionExpiredParam = "session_expired"
	NextParam           = "next"
)

// SessionExpiredLogin is where the session sends the user once their session is gone.
var SessionExpiredLogin = Login + "?" + SessionExpiredParam + "=1"

var authRoutes = map[string]bool{
	Login:                true,
	Signup:               true,
	ForgotPassword:       true,
	ResetPassword:        true,
	PasswordResetConfirm: true,
}

type Access int

const (
	// Public screens are shown to everyone.
	Public Access = iota
	// Guest screens (login, signup...) are only shown to anonymous users.
	Guest
	// Protected screens require an authenticated user (and optionally a permission).
	Protected
)

type Route struct {
	Path       string
	Screen     string
	Title      string
	Access     Access
	Permission string // required permission; empty means any authenticated user
}

// Gate is the part of the session the route tree decides on.
type Gate interface {
	IsAuthenticated() bool
	HasPermission(name string) bool
	DashboardRoute() string
}

// Decision is the outcome of resolving a location: either a route to render or a redirect.
type Decision struct {
	Route    *Route
	Redirect string
	NotFound bool
}

func (d Decision) String() string {
	switch {
	case d.Redirect != "":
		return "redirect " + d.Redirect
	case d.NotFound:
		return "not-found"
	default:
		return "render " + d.Route.Screen
	}
}

type Tree struct {
	routes map[string]Route
}

// Default is the console's route tree.
var Default = NewTree(
	Route{Path: Login, Screen: "login", Title: "Sign in", Access: Guest},
	Route{Path: Signup, Screen: "signup", Title: "Sign up", Access: Guest},
	Route{Path: ForgotPassword, Screen: "forgot-password", Title: "Forgot password", Access: Guest},
	Route{Path: ResetPassword, Screen: "reset-password", Title: "Reset password", Access: Guest},
	Route{Path: PasswordResetConfirm, Screen: "password-reset-confirm", Title: "Choose a new password", Access: Guest},
	Route{Path: Unauthorized, Screen: "unauthorized", Title: "Access denied", Access: Public},

	Route{Path: Admin, Screen: "admin-dashboard", Title: "Administration", Access: Protected, Permission: "manage_users"},
	Route{Path: TrainerDashboard, Screen: "trainer-dashboard", Title: "Trainer dashboard", Access: Protected},
	Route{Path: StudentDashboard, Screen: "student-dashboard", Title: "Student dashboard", Access: Protected},
	Route{Path: IQA, Screen: "qa-dashboard", Title: "Quality assurance", Access: Protected, Permission: "view_qa_reports"},
	Route{Path: Dashboard, Screen: "dashboard", Title: "Dashboard", Access: Protected},

	Route{Path: AdminUsers, Screen: "users", Title: "Users", Access: Protected, Permission: "manage_users"},
	Route{Path: AdminCourses, Screen: "courses", Title: "Courses", Access: Protected, Permission: "manage_courses"},
	Route{Path: AdminFinance, Screen: "finance", Title: "Finance", Access: Protected, Permission: "view_finance"},
	Route{Path: AdminQA, Screen: "quality-assurance", Title: "Quality assurance", Access: Protected, Permission: "view_qa_reports"},
	Route{Path: AdminSecurity, Screen: "security", Title: "Security", Access: Protected, Permission: "manage_security"},
	Route{Path: AdminNotifications, Screen: "notifications", Title: "Notifications", Access: Protected, Permission: "send_notifications"},
	Route{Path: AdminModeration, Screen: "moderation", Title: "Content moderation", Access: Protected, Permission: "moderate_content"},
)

func NewTree(routes ...Route) *Tree {
	t := &Tree{routes: make(map[string]Route, len(routes))}
	for _, r := range routes {
		t.routes[Clean(r.Path)] = r
	}
	return t
}

// Routes returns the routes sorted by path.
func (t *Tree) Routes() []Route {
	list := make([]Route, 0, len(t.routes))
	for _, r := range t.routes {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Path < list[j].Path })
	return list
}

// Resolve decides what to show for location.
func (t *Tree) Resolve(location string, g Gate) Decision {
	p := Clean(location)
	if p == Root {
		return Decision{Redirect: g.DashboardRoute()}
	}

	r, ok := t.routes[p]
	if !ok {
		return Decision{NotFound: true}
	}

	switch r.Access {
	case Guest:
		if g.IsAuthenticated() {
			return Decision{Redirect: g.DashboardRoute()}
		}
	case Protected:
		if !g.IsAuthenticated() {
			return Decision{Redirect: Login + "?" + url.Values{NextParam: {p}}.Encode()}
		}
		if r.Permission != "" && !g.HasPermission(r.Permission) {
			return Decision{Redirect: Unauthorized}
		}
	}
	return Decision{Route: &r}
}

// Clean returns the path part of location without its trailing slash.
func Clean(location string) string {
	p := location
	if u, err := url.Parse(location); err == nil {
		p = u.Path
	}
	if p == "" {
		return Root
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// IsAuthRoute reports whether location is one of the unauthenticated auth screens.
func IsAuthRoute(location string) bool {
	return authRoutes[Clean(location)]
}

// SessionExpired reports whether location carries the session expired marker.
// The login screen shows a "session expired" notice when it does.
func SessionExpired(location string) bool {
	u, err := url.Parse(location)
	if err != nil {
		return false
	}
	return u.Query().Get(SessionExpiredParam) == "1"
}
