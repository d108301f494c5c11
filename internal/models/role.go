package models

import "fmt"

// Role is the closed set of staff roles. Unknown strings never become a Role.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleDoctor    Role = "doctor"
	RoleNurse     Role = "nurse"
	RoleFrontDesk Role = "front_desk"
)

func ParseRole(raw string) (Role, error) {
	switch Role(raw) {
	case RoleAdmin, RoleDoctor, RoleNurse, RoleFrontDesk:
		return Role(raw), nil
	}
	return "", fmt.Errorf("unknown role %q", raw)
}

type Permission int

const (
	PermViewQueue Permission = iota
	PermRegisterEntry
	PermCallEntry
	PermCompleteEntry
	PermCancelEntry
	PermReportDelay
	PermManageSchedules
	PermManageQuotas
	PermManagePatients
	PermAssignMRN
	PermInspectSessions
)

// Can reports whether r grants p.
func (r Role) Can(p Permission) bool {
	switch r {
	case RoleAdmin:
		return true
	case RoleDoctor:
		switch p {
		case PermViewQueue, PermCallEntry, PermCompleteEntry, PermCancelEntry, PermReportDelay, PermManagePatients:
			return true
		}
		return false
	case RoleNurse:
		switch p {
		case PermViewQueue, PermRegisterEntry, PermCallEntry, PermCancelEntry, PermReportDelay, PermManagePatients:
			return true
		}
		return false
	case RoleFrontDesk:
		switch p {
		case PermViewQueue, PermRegisterEntry, PermCancelEntry, PermManagePatients, PermManageQuotas:
			return true
		}
		return false
	default:
		return false
	}
}
