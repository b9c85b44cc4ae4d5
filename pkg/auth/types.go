package auth

// Principal is the authenticated caller of a request.
type Principal interface {
	GetID() string
	// GetEmail is the normalized email the caller is reconciled to signers by.
	GetEmail() string
	GetRoles() []string
	HasRole(role string) bool
}

// BasePrincipal is built from verified token claims.
type BasePrincipal struct {
	ID    string
	Email string
	Roles []string
}

func (b *BasePrincipal) GetID() string {
	return b.ID
}

func (b *BasePrincipal) GetEmail() string {
	return b.Email
}

func (b *BasePrincipal) GetRoles() []string {
	return b.Roles
}

func (b *BasePrincipal) HasRole(role string) bool {
	for _, r := range b.Roles {
		if r == role || r == "admin" {
			return true
		}
	}
	return false
}
