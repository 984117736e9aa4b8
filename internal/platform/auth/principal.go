package auth

import "context"

type principalKey struct{}

// Principal is the authenticated staff member, resolved once per request.
type Principal struct {
	UserID  string
	StaffID *int64
	Roles   []Role
	caps    map[Capability]bool
}

// NewPrincipal builds a principal from raw role claims. Unknown role strings
// are dropped.
func NewPrincipal(userID string, staffID *int64, rawRoles []string) *Principal {
	var roles []Role
	for _, r := range rawRoles {
		if role, ok := ParseRole(r); ok {
			roles = append(roles, role)
		}
	}
	return &Principal{UserID: userID, StaffID: staffID, Roles: roles, caps: CapabilitiesFor(roles...)}
}

func (p *Principal) Can(c Capability) bool {
	return p != nil && p.caps[c]
}

func (p *Principal) HasRole(r Role) bool {
	if p == nil {
		return false
	}
	for _, have := range p.Roles {
		if have == r {
			return true
		}
	}
	return false
}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}

// StaffIDFromContext returns the acting staff member's id, or nil.
func StaffIDFromContext(ctx context.Context) *int64 {
	if p := PrincipalFromContext(ctx); p != nil {
		return p.StaffID
	}
	return nil
}
