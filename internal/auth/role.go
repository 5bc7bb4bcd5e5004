package auth

import "fmt"

// Role is a rung on the admin hierarchy. Higher values subsume lower
// ones: a super-admin can do anything an approver can.
type Role int

const (
	RoleApprover Role = iota + 1
	RoleAuditor
	RoleAdmin
	RoleSuperAdmin
)

var roleNames = map[Role]string{
	RoleApprover:   "approver",
	RoleAuditor:    "auditor",
	RoleAdmin:      "admin",
	RoleSuperAdmin: "super-admin",
}

var rolesByName = map[string]Role{
	"approver":    RoleApprover,
	"auditor":     RoleAuditor,
	"admin":       RoleAdmin,
	"super-admin": RoleSuperAdmin,
}

// ParseRole maps a stored role string onto the hierarchy.
func ParseRole(s string) (Role, error) {
	r, ok := rolesByName[s]
	if !ok {
		return 0, fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// AtLeast reports whether r sits at or above min in the hierarchy.
func (r Role) AtLeast(min Role) bool {
	return r >= min
}
