package user

import "strings"

// Account roles. The API accepts the plural and singular spellings its clients send.
const (
	RoleSuperAdmin  = "super_admin"
	RoleAdmin       = "admin"
	RoleInstructors = "instructors"
	RoleTrainer     = "trainer"
	RoleLearners    = "learners"
	RoleLearner     = "learner"
	RoleStudent     = "student"
	RoleIQALead     = "iqa_lead"
	RoleEQAAuditor  = "eqa_auditor"
)

// Roles is every role an account may hold, mapped to whether it administers the tenant.
var Roles = map[string]bool{
	RoleSuperAdmin:  true,
	RoleAdmin:       true,
	RoleInstructors: false,
	RoleTrainer:     false,
	RoleLearners:    false,
	RoleLearner:     false,
	RoleStudent:     false,
	RoleIQALead:     false,
	RoleEQAAuditor:  false,
}

// isAdminRole reports whether role (case-insensitive) administers the tenant.
func isAdminRole(role string) bool {
	return Roles[strings.ToLower(role)]
}
