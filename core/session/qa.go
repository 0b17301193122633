package session

// PermissionChecker is anything that can answer permission questions (eg. *Manager).
type PermissionChecker interface {
	HasPermission(name string) bool
}

// QAAccess answers the quality assurance questions of the console. It holds no state of its own.
type QAAccess struct {
	checker PermissionChecker
}

func NewQAAccess(checker PermissionChecker) QAAccess {
	return QAAccess{checker: checker}
}

func (q QAAccess) IsIQALead() bool            { return q.checker.HasPermission(PermManageIQA) }
func (q QAAccess) IsEQAAuditor() bool         { return q.checker.HasPermission(PermConductEQAAudit) }
func (q QAAccess) CanViewReports() bool       { return q.checker.HasPermission(PermViewQAReports) }
func (q QAAccess) CanSampleAssessments() bool { return q.checker.HasPermission(PermSampleAssessments) }
