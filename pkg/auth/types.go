package auth

// Principal is any authenticated caller: a user, a service account, or the
// system itself during background work.
type Principal interface {
	GetID() string
	GetTenantID() string
	GetRoles() []string
	// HasRole reports whether the principal carries the given role.
	// The admin role implies every other role.
	HasRole(role string) bool
}

// BasePrincipal is the claims-backed implementation of Principal.
type BasePrincipal struct {
	ID       string
	TenantID string
	Roles    []string
}

func (b *BasePrincipal) GetID() string {
	return b.ID
}

func (b *BasePrincipal) GetTenantID() string {
	return b.TenantID
}

func (b *BasePrincipal) GetRoles() []string {
	return b.Roles
}

func (b *BasePrincipal) HasRole(role string) bool {
	for _, r := range b.Roles {
		if r == RoleAdmin || r == role {
			return true
		}
	}
	return false
}

// RoleAdmin grants every permission, including tenant lifecycle changes.
const RoleAdmin = "admin"
