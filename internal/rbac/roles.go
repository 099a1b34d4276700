package rbac

import "github.com/Dispatch-AI-com/backend-sub001/internal/auth"

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleOwner      = "owner"
	RoleAdmin      = "admin"
	RoleMember     = "member"
	RoleSuperAdmin = auth.RoleSuperAdmin
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }
