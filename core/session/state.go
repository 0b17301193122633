package session

type Status int

const (
	// Uninitialized is the status of a manager nobody asked about the user yet.
	Uninitialized Status = iota
	Loading
	Authenticated
	Anonymous
	// Error follows a failed fetch of the current user. The user is logged out.
	Error
)

func (s Status) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Loading:
		return "loading"
	case Authenticated:
		return "authenticated"
	case Anonymous:
		return "anonymous"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// State is a snapshot of the session.
type State struct {
	User    *Profile
	Loading bool
	Err     string
	Status  Status
}

// IsAuthenticated reports whether a user is loaded.
func (s State) IsAuthenticated() bool { return s.User != nil }
