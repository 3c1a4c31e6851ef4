package credentials

// State is the lifecycle state of a Manager.
type State int32

const (
	StateUninitialized State = iota
	StateAuthorizing
	StateValid
	StateRefreshing
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateAuthorizing:
		return "authorizing"
	case StateValid:
		return "valid"
	case StateRefreshing:
		return "refreshing"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}
