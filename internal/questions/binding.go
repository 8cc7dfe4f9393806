package questions

import (
	"errors"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/multiforms/backend/internal/models"
)

// RegisterBindings adds the question_type, form_status and access_type tags to gin's
// validator so request structs can use them in binding tags.
func RegisterBindings() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return errors.New("gin binding engine is not validator/v10")
	}
	if err := v.RegisterValidation("question_type", func(fl validator.FieldLevel) bool {
		return IsKnown(models.QuestionType(fl.Field().String()))
	}); err != nil {
		return err
	}
	if err := v.RegisterValidation("form_status", func(fl validator.FieldLevel) bool {
		switch models.FormStatus(fl.Field().String()) {
		case models.FormStatusDraft, models.FormStatusPublished, models.FormStatusClosed:
			return true
		}
		return false
	}); err != nil {
		return err
	}
	return v.RegisterValidation("access_type", func(fl validator.FieldLevel) bool {
		switch models.AccessType(fl.Field().String()) {
		case models.AccessPublic, models.AccessPassword, models.AccessAllowlist:
			return true
		}
		return false
	})
}
