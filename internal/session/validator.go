package session

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"metricsconsole/internal/failure"
)

type credentials struct {
	Username string `json:"username" validate:"notblank"`
	Password string `json:"password" validate:"notblank,min=6"`
}

var messages = map[string]map[string]string{
	"username": {"notblank": "Username is required"},
	"password": {
		"notblank": "Password is required",
		"min":      "Password must be at least 6 characters",
	},
}

// Validator checks the syntactic shape of credentials before anything is
// sent to the backend.
type Validator struct {
	v *validator.Validate
}

func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	return &Validator{v: v}
}

// Check returns a validation failure naming every offending field, or nil.
func (val *Validator) Check(username, password string) error {
	err := val.v.Struct(credentials{Username: username, Password: password})
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return failure.Validation(map[string]string{"form": err.Error()})
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		if _, seen := fields[fe.Field()]; seen {
			continue
		}
		msg := messages[fe.Field()][fe.Tag()]
		if msg == "" {
			msg = fe.Field() + " is invalid"
		}
		fields[fe.Field()] = msg
	}
	return failure.Validation(fields)
}
