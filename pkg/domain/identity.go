package domain

// Role is an ordered privilege level. Higher values subsume lower ones.
type Role int

const (
	RoleAnonymous Role = iota
	RoleDepositor
	RoleCurator
	RoleAdmin
	// RoleSystem is the identity workers and schedules run under. It
	// satisfies every policy.
	RoleSystem
)

func (r Role) String() string {
	switch r {
	case RoleAnonymous:
		return "anonymous"
	case RoleDepositor:
		return "depositor"
	case RoleCurator:
		return "curator"
	case RoleAdmin:
		return "admin"
	case RoleSystem:
		return "system"
	default:
		return "unknown"
	}
}

// Identity is the caller of a command, query or event handler.
type Identity struct {
	UserID string
	Role   Role
}

// System returns the identity worker poll cycles and schedules run under.
func System() Identity {
	return Identity{UserID: "system", Role: RoleSystem}
}

// IsSystem reports whether this is the system identity.
func (id Identity) IsSystem() bool { return id.Role == RoleSystem }

// PolicyKind discriminates authorization policy variants.
type PolicyKind int

const (
	PolicyPublic PolicyKind = iota
	PolicyAtLeast
	PolicyCustom
)

// Policy is the authorization gate every handler must declare. A missing
// policy is a startup error, not a runtime default.
type Policy struct {
	Kind    PolicyKind
	MinRole Role
	Check   func(Identity) bool
}

// Public allows any caller.
func Public() Policy { return Policy{Kind: PolicyPublic} }

// AtLeast requires the caller's role to be at least r.
func AtLeast(r Role) Policy { return Policy{Kind: PolicyAtLeast, MinRole: r} }

// Custom delegates the decision to fn.
func Custom(fn func(Identity) bool) Policy { return Policy{Kind: PolicyCustom, Check: fn} }

// Allows reports whether the identity satisfies the policy. The system
// identity satisfies any policy.
func (p Policy) Allows(id Identity) bool {
	if id.IsSystem() {
		return true
	}
	switch p.Kind {
	case PolicyPublic:
		return true
	case PolicyAtLeast:
		return id.Role >= p.MinRole
	case PolicyCustom:
		return p.Check != nil && p.Check(id)
	default:
		return false
	}
}

// IsValid reports whether the policy value is well formed. Custom policies
// must carry a check function.
func (p Policy) IsValid() bool {
	switch p.Kind {
	case PolicyPublic, PolicyAtLeast:
		return true
	case PolicyCustom:
		return p.Check != nil
	default:
		return false
	}
}
