package user

import (
	"strings"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	"github.com/EkeHanson/complete-lms-sub000/core"
)

// User is an LMS account of the reference backend.
type User struct {
	ID           int
	Email        string
	FirstName    string
	LastName     string
	Role         string
	IsActive     bool
	TenantID     string
	TenantSchema string
	QAStats      map[string]interface{}
	PasswordHash []byte
	CreatedAt    time.Time // UTC
	UpdatedAt    time.Time // UTC
	LastLogin    time.Time // UTC
}

func (u *User) SetPassword(pwd string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(pwd), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	return nil
}

func (u *User) CheckPassword(pwd string) error {
	return bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(pwd))
}

func (u *User) IsAdmin() bool {
	return isAdminRole(u.Role)
}

func (u *User) Name() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Payload is the user object of the API responses.
func (u *User) Payload() map[string]interface{} {
	p := map[string]interface{}{
		"id":          u.ID,
		"email":       u.Email,
		"first_name":  u.FirstName,
		"last_name":   u.LastName,
		"is_active":   u.IsActive,
		"date_joined": u.CreatedAt,
	}
	if u.Role != "" {
		p["role"] = u.Role
	}
	if u.QAStats != nil {
		p["qa_stats"] = u.QAStats
	}
	if u.TenantID != "" {
		p["tenant_id"] = u.TenantID
	}
	if !u.LastLogin.IsZero() {
		p["last_login"] = u.LastLogin
	}
	return p
}

// NewUser contains information needed to create a new User.
type NewUser struct {
	FirstName       string `json:"first_name" validate:"required"`
	LastName        string `json:"last_name"`
	Email           string `json:"email" validate:"required,email"`
	Role            string `json:"role" validate:"omitempty,lmsrole"`
	TenantID        string `json:"tenant_id"`
	TenantSchema    string `json:"tenant_schema"`
	Password        string `json:"password" validate:"required"`
	PasswordConfirm string `json:"password_confirm" validate:"required,eqfield=Password"`

	QAStats map[string]interface{} `json:"qa_stats"`
}

func (nu *NewUser) Validate(validate *validator.Validate, translator ut.Translator, svc *Service) error {
	nu.FirstName = core.CleanString(nu.FirstName)
	nu.LastName = core.CleanString(nu.LastName)
	nu.Email = core.CleanString(nu.Email, true /* lower */)
	nu.Role = core.CleanString(nu.Role, true /* lower */)

	if err := validate.Struct(nu); err != nil {
		return core.TranslateValidationErrors(err, translator)
	}
	return svc.checkUniqueness(nu.Email)
}

// UpdateUser defines what information may be provided to modify an existing User.
// Absent fields are left unchanged; QAStats is merged key by key.
type UpdateUser struct {
	FirstName       *string                `json:"first_name" validate:"omitempty"`
	LastName        *string                `json:"last_name" validate:"omitempty"`
	Email           *string                `json:"email" validate:"omitempty,email"`
	Role            *string                `json:"role" validate:"omitempty,lmsrole"`
	IsActive        *bool                  `json:"is_active"`
	QAStats         map[string]interface{} `json:"qa_stats"`
	Password        string                 `json:"password"`
	PasswordConfirm string                 `json:"password_confirm" validate:"required_with=Password,eqfield=Password"`

	// used by the password policy
	origUsr User
}

// IsPrivileged reports whether the update touches fields only admins may change.
func (uu *UpdateUser) IsPrivileged() bool {
	return uu.Role != nil || uu.IsActive != nil || uu.QAStats != nil
}

func (uu *UpdateUser) Validate(origUsr User, validate *validator.Validate, translator ut.Translator, svc *Service) error {
	uu.origUsr = origUsr
	for _, fld := range []*string{uu.FirstName, uu.LastName} {
		if fld != nil {
			*fld = core.CleanString(*fld)
		}
	}
	if uu.Email != nil {
		*uu.Email = core.CleanString(*uu.Email, true /* lower */)
	}
	if uu.Role != nil {
		*uu.Role = core.CleanString(*uu.Role, true /* lower */)
	}

	if err := validate.Struct(uu); err != nil {
		return core.TranslateValidationErrors(err, translator)
	}
	if uu.Email != nil {
		return svc.checkUniqueness(*uu.Email, origUsr)
	}
	return nil
}

// apply returns usr updated with the provided fields.
func (uu *UpdateUser) apply(usr User) (User, error) {
	if uu.FirstName != nil {
		usr.FirstName = *uu.FirstName
	}
	if uu.LastName != nil {
		usr.LastName = *uu.LastName
	}
	if uu.Email != nil {
		usr.Email = *uu.Email
	}
	if uu.Role != nil {
		usr.Role = *uu.Role
	}
	if uu.IsActive != nil {
		usr.IsActive = *uu.IsActive
	}
	if uu.QAStats != nil {
		stats := make(map[string]interface{}, len(usr.QAStats)+len(uu.QAStats))
		for k, v := range usr.QAStats {
			stats[k] = v
		}
		for k, v := range uu.QAStats {
			stats[k] = v
		}
		usr.QAStats = stats
	}
	if uu.Password != "" {
		if err := usr.SetPassword(uu.Password); err != nil {
			return User{}, err
		}
	}
	usr.UpdatedAt = time.Now().UTC()
	return usr, nil
}

// Payload is the response of a partial update: the fields that were provided, with their new values.
func (uu *UpdateUser) Payload(usr User) map[string]interface{} {
	p := make(map[string]interface{})
	if uu.FirstName != nil {
		p["first_name"] = usr.FirstName
	}
	if uu.LastName != nil {
		p["last_name"] = usr.LastName
	}
	if uu.Email != nil {
		p["email"] = usr.Email
	}
	if uu.Role != nil {
		p["role"] = usr.Role
	}
	if uu.IsActive != nil {
		p["is_active"] = usr.IsActive
	}
	if uu.QAStats != nil {
		p["qa_stats"] = uu.QAStats
	}
	return p
}

type ResetUserPassword struct {
	UID             string `json:"uid" validate:"required"`
	Token           string `json:"token" validate:"required"`
	Password        string `json:"password" validate:"required"`
	PasswordConfirm string `json:"password_confirm" validate:"required,eqfield=Password"`

	// used by the password policy
	origUsr User
}

func (rp *ResetUserPassword) Validate(validate *validator.Validate, translator ut.Translator) error {
	rp.UID = core.CleanString(rp.UID)
	rp.Token = core.CleanString(rp.Token)
	if err := validate.Struct(rp); err != nil {
		return core.TranslateValidationErrors(err, translator)
	}
	return nil
}
