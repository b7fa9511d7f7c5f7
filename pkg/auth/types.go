package auth

// Roles carried in the "roles" claim.
const (
	// RoleAdmin implies every other role.
	RoleAdmin = "admin"
	// RoleAuditor may read, export and archive the audit ledger.
	RoleAuditor = "auditor"
	// RoleClient may submit interactions for validation.
	RoleClient = "client"
)

// Principal is the authenticated caller of a request.
type Principal interface {
	GetID() string
	GetRoles() []string
	HasRole(role string) bool
}

// BasePrincipal is a simple implementation of Principal.
type BasePrincipal struct {
	ID    string
	Roles []string
}

func (b *BasePrincipal) GetID() string {
	return b.ID
}

func (b *BasePrincipal) GetRoles() []string {
	return b.Roles
}

func (b *BasePrincipal) HasRole(role string) bool {
	for _, r := range b.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}
