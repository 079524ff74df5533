package bridge

// Role identifies what a caller is allowed to reach. Sibling-facing
// operations take a Caller value instead of re-checking addresses; the world
// wiring hands each component a Caller carrying its own role.
type Role uint8

const (
	RoleUser Role = iota
	RoleOwner
	RoleCoordinator
	RoleInboundExecutor
	RoleCallProxy
	RoleWrapper
)

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleOwner:
		return "owner"
	case RoleCoordinator:
		return "coordinator"
	case RoleInboundExecutor:
		return "inbound-executor"
	case RoleCallProxy:
		return "call-proxy"
	case RoleWrapper:
		return "wrapper"
	default:
		return "unknown"
	}
}

// Caller is the typed identity attached to every guarded operation.
type Caller struct {
	Addr Address
	Role Role
}

func (c Caller) Is(r Role) bool {
	return c.Role == r
}
