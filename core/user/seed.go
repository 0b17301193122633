package user

import "github.com/pkg/errors"

// DefaultSeedPassword is the password of the seeded users unless another one is given.
const DefaultSeedPassword = "Lms-Dev-2024!"

// SeedUsers are the users of a fresh reference backend, one per console role.
// The last one has no role, as some tenants still have such accounts.
var SeedUsers = []NewUser{
	{FirstName: "Super", LastName: "Admin", Email: "superadmin@lms.test", Role: RoleSuperAdmin},
	{FirstName: "Ada", LastName: "Admin", Email: "admin@lms.test", Role: RoleAdmin, TenantID: "1", TenantSchema: "acme"},
	{FirstName: "Tom", LastName: "Trainer", Email: "trainer@lms.test", Role: RoleTrainer, TenantID: "1", TenantSchema: "acme"},
	{FirstName: "Ines", LastName: "Instructor", Email: "instructor@lms.test", Role: RoleInstructors, TenantID: "1", TenantSchema: "acme"},
	{FirstName: "Lea", LastName: "Learner", Email: "learner@lms.test", Role: RoleLearner, TenantID: "1", TenantSchema: "acme"},
	{FirstName: "Sam", LastName: "Student", Email: "student@lms.test", Role: RoleStudent, TenantID: "1", TenantSchema: "acme"},
	{
		FirstName: "Iris", LastName: "Lead", Email: "iqa@lms.test", Role: RoleIQALead, TenantID: "1", TenantSchema: "acme",
		QAStats: map[string]interface{}{"sampled": 12, "pending": 3, "approved": 9},
	},
	{
		FirstName: "Eli", LastName: "Auditor", Email: "eqa@lms.test", Role: RoleEQAAuditor,
		QAStats: map[string]interface{}{"audits": 2},
	},
	{FirstName: "Nora", LastName: "Norole", Email: "norole@lms.test"},
}

// Seed creates the SeedUsers with the given password.
func Seed(svc *Service, password string) ([]User, error) {
	if password == "" {
		password = DefaultSeedPassword
	}
	users := make([]User, 0, len(SeedUsers))
	for _, nu := range SeedUsers {
		nu.Password = password
		nu.PasswordConfirm = password
		usr, err := svc.Create(nu)
		if err != nil {
			return nil, errors.Wrapf(err, "seeding %s", nu.Email)
		}
		users = append(users, usr)
	}
	return users, nil
}
