package session

import (
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/EkeHanson/complete-lms-sub000/core"
)

// Credentials are what a user signs in with.
type Credentials struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Validate cleans and validates the credentials. Errors are returned as a *core.ValidationError.
func (c *Credentials) Validate(validate *validator.Validate, translator ut.Translator) error {
	c.Email = core.CleanString(c.Email, true)
	if err := validate.Struct(c); err != nil {
		return core.TranslateValidationErrors(err, translator)
	}
	return nil
}
