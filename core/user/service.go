package user

import (
	"net/mail"
	"strconv"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/EkeHanson/complete-lms-sub000/core"
)

const passwordResetTmpl = "password_reset"

var (
	// errors
	ErrNotFound    = errors.New("user not found")
	ErrInactive    = errors.New("user account is disabled")
	ErrEmailExists = errors.New("a user with this email already exists")
)

func init() {
	err := core.RegisterEmailTemplate(passwordResetTmpl, passwordResetText, passwordResetHTML)
	if err != nil {
		panic(err)
	}
}

type Service struct {
	repo    Repository
	mailSvc core.EmailService
}

func NewService(repo Repository, mailSvc core.EmailService) *Service {
	return &Service{repo: repo, mailSvc: mailSvc}
}

func (svc *Service) checkUniqueness(email string, exclUsers ...User) error {
	if err := svc.repo.CheckEmailUniqueness(email, exclUsers...); err != nil {
		if err == ErrEmailExists {
			return core.NewValidationError(err, core.FieldError{Field: "email", Error: err.Error()})
		}
		return err
	}
	return nil
}

func (svc *Service) Create(nu NewUser) (User, error) {
	now := time.Now().UTC()
	usr := User{
		Email:        nu.Email,
		FirstName:    nu.FirstName,
		LastName:     nu.LastName,
		Role:         nu.Role,
		IsActive:     true,
		TenantID:     nu.TenantID,
		TenantSchema: nu.TenantSchema,
		QAStats:      nu.QAStats,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := usr.SetPassword(nu.Password); err != nil {
		return User{}, errors.Wrap(err, "hashing password")
	}
	return svc.repo.CreateUser(usr)
}

func (svc *Service) QueryAll() ([]User, error) {
	return svc.repo.QueryAllUsers()
}

func (svc *Service) GetByID(id int) (User, error) {
	return svc.repo.GetUserByID(id)
}

// GetBySubject finds the user a token was issued to.
func (svc *Service) GetBySubject(sub string) (User, error) {
	id, err := strconv.Atoi(sub)
	if err != nil {
		return User{}, ErrNotFound
	}
	return svc.repo.GetUserByID(id)
}

func (svc *Service) GetByEmail(email string) (User, error) {
	return svc.repo.GetUserByEmail(core.CleanString(email, true /* lower */))
}

// Authenticate returns the active user with these credentials.
func (svc *Service) Authenticate(email, pwd string) (User, error) {
	usr, err := svc.GetByEmail(email)
	if err != nil {
		return User{}, err
	}
	if err := usr.CheckPassword(pwd); err != nil {
		return User{}, ErrNotFound
	}
	if !usr.IsActive {
		return User{}, ErrInactive
	}
	usr.LastLogin = time.Now().UTC()
	return svc.repo.UpdateUser(usr)
}

func (svc *Service) Update(usr User, uu UpdateUser) (User, error) {
	usr, err := uu.apply(usr)
	if err != nil {
		return User{}, errors.Wrap(err, "applying update")
	}
	return svc.repo.UpdateUser(usr)
}

// RequestPasswordReset mails a password reset link to the active user with this email.
func (svc *Service) RequestPasswordReset(email string) error {
	usr, err := svc.GetByEmail(email)
	if err != nil {
		return err
	}
	if !usr.IsActive {
		return ErrInactive
	}
	token, err := MakeToken(usr)
	if err != nil {
		return errors.Wrap(err, "making token")
	}
	svc.mailSvc.SendMessages(&core.EmailMessage{
		To:           []mail.Address{{Name: usr.Name(), Address: usr.Email}},
		Subject:      "Password reset",
		TemplateName: passwordResetTmpl,
		TemplateData: passwordResetData{Name: usr.Name(), UID: EncodeUID(usr), Token: token},
	})
	return nil
}

// ResetPassword checks the reset token of data then sets the new password.
// The password policy is enforced against the attributes of the user.
func (svc *Service) ResetPassword(data ResetUserPassword, validate *validator.Validate, translator ut.Translator) (User, error) {
	if err := data.Validate(validate, translator); err != nil {
		return User{}, err
	}
	id, err := decodeUID(data.UID)
	if err != nil {
		return User{}, ErrInvalidToken
	}
	usr, err := svc.GetBySubject(id)
	if err != nil {
		if err == ErrNotFound {
			return User{}, ErrInvalidToken
		}
		return User{}, err
	}
	if err := verifyToken(usr, data.Token); err != nil {
		return User{}, err
	}
	data.origUsr = usr
	if err := data.Validate(validate, translator); err != nil {
		return User{}, err
	}
	if err := usr.SetPassword(data.Password); err != nil {
		return User{}, errors.Wrap(err, "hashing password")
	}
	usr.UpdatedAt = time.Now().UTC()
	return svc.repo.UpdateUser(usr)
}

type passwordResetData struct {
	Name  string
	UID   string
	Token string
}

var (
	passwordResetText = `Hello {{.Data.Name}},

You're receiving this email because you requested a password reset for your account.
Please go to the following page and choose a new password:

{{.FrontendBaseURL}}/password-reset-confirm?uid={{.Data.UID}}&token={{.Data.Token}}

If you didn't request a password reset, you can ignore this email.
`
	passwordResetHTML = `<p>Hello {{.Data.Name}},</p>
<p>You're receiving this email because you requested a password reset for your account.</p>
<p><a href="{{.FrontendBaseURL}}/password-reset-confirm?uid={{.Data.UID}}&token={{.Data.Token}}">Choose a new password</a></p>
<p>If you didn't request a password reset, you can ignore this email.</p>
`
)
