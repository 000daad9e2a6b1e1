package types

import (
	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate runs struct-tag validation and maps failures to a
// VALIDATION_ERROR.
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		return Wrap(ErrValidation, err, "invalid request parameters")
	}
	return nil
}

// Validate checks the create-payment inputs beyond what struct tags can
// express (decimal positivity).
func (p *CreatePaymentParams) Validate() error {
	if err := Validate(p); err != nil {
		return err
	}
	if !p.FiatAmount.IsPositive() {
		return E(ErrValidation, "fiatAmount must be greater than zero")
	}
	return nil
}
