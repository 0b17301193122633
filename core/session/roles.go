package session

import (
	"strings"

	"github.com/EkeHanson/complete-lms-sub000/core/routes"
)

// DefaultRole is assigned to users the API returns without a role.
const DefaultRole = "TRAINER"

// Roles (the API is not consistent about plurals, so synonyms coexist)
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

// Permissions
const (
	PermAll = "*"

	PermManageUsers       = "manage_users"
	PermManageCourses     = "manage_courses"
	PermViewCourses       = "view_courses"
	PermViewFinance       = "view_finance"
	PermManageSecurity    = "manage_security"
	PermSendNotifications = "send_notifications"
	PermModerateContent   = "moderate_content"

	PermViewLearners      = "view_learners"
	PermGradeAssessments  = "grade_assessments"
	PermSubmitAssessments = "submit_assessments"
	PermViewOwnProgress   = "view_own_progress"

	PermViewQAReports     = "view_qa_reports"
	PermManageIQA         = "manage_iqa"
	PermConductEQAAudit   = "conduct_eqa_audit"
	PermSampleAssessments = "sample_assessments"
)

type RoleDefinition struct {
	Name        string
	Permissions []string
}

// RoleTable maps a lower cased role to its definition.
type RoleTable map[string]RoleDefinition

var (
	trainerPerms = []string{PermViewCourses, PermViewLearners, PermGradeAssessments}
	learnerPerms = []string{PermViewCourses, PermSubmitAssessments, PermViewOwnProgress}

	// QARoles is the role to permissions table of the console.
	QARoles = RoleTable{
		RoleSuperAdmin:  {Name: "Super Admin", Permissions: []string{PermAll}},
		RoleAdmin:       {Name: "Admin", Permissions: []string{PermAll}},
		RoleInstructors: {Name: "Instructor", Permissions: trainerPerms},
		RoleTrainer:     {Name: "Trainer", Permissions: trainerPerms},
		RoleLearners:    {Name: "Learner", Permissions: learnerPerms},
		RoleLearner:     {Name: "Learner", Permissions: learnerPerms},
		RoleStudent:     {Name: "Student", Permissions: learnerPerms},
		RoleIQALead: {Name: "IQA Lead", Permissions: []string{
			PermViewQAReports, PermManageIQA, PermSampleAssessments, PermViewLearners,
		}},
		RoleEQAAuditor: {Name: "EQA Auditor", Permissions: []string{
			PermViewQAReports, PermConductEQAAudit, PermSampleAssessments,
		}},
	}

	dashboardRoutes = map[string]string{
		RoleAdmin:       routes.Admin,
		RoleSuperAdmin:  routes.Admin,
		RoleInstructors: routes.TrainerDashboard,
		RoleTrainer:     routes.TrainerDashboard,
		RoleLearners:    routes.StudentDashboard,
		RoleLearner:     routes.StudentDashboard,
		RoleStudent:     routes.StudentDashboard,
		RoleIQALead:     routes.IQA,
		RoleEQAAuditor:  routes.IQA,
	}
)

// Permissions returns the permissions of role (case-insensitive). Unknown roles have none.
func (t RoleTable) Permissions(role string) PermissionSet {
	def, ok := t[strings.ToLower(role)]
	if !ok {
		return NewPermissionSet()
	}
	return NewPermissionSet(def.Permissions...)
}

// DashboardRoute returns the landing location of role (case-insensitive).
// Unknown roles land on the generic dashboard.
func DashboardRoute(role string) string {
	if route, ok := dashboardRoutes[strings.ToLower(strings.TrimSpace(role))]; ok {
		return route
	}
	return routes.Dashboard
}
