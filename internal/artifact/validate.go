package artifact

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"intake/internal/canonical"
)

var (
	validateOnce sync.Once
	v            *validator.Validate
)

// Validator returns the process-wide artifact validator. Custom validators
// are backed by the canonical registry, so a non-canonical label fails struct
// validation exactly like a missing required field.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		v = validator.New(validator.WithRequiredStructEnabled())
		must(v.RegisterValidation("prefixed_sha256", func(fl validator.FieldLevel) bool {
			s := fl.Field().String()
			return strings.HasPrefix(s, "sha256:") && len(s) == len("sha256:")+64
		}))
		must(v.RegisterValidation("canonical_intent", func(fl validator.FieldLevel) bool {
			return canonical.Intent(fl.Field().String()).IsValid()
		}))
		must(v.RegisterValidation("canonical_product", func(fl validator.FieldLevel) bool {
			return canonical.ProductLine(fl.Field().String()).IsValid()
		}))
		must(v.RegisterValidation("canonical_urgency", func(fl validator.FieldLevel) bool {
			return canonical.Urgency(fl.Field().String()).IsValid()
		}))
		must(v.RegisterValidation("canonical_risk", func(fl validator.FieldLevel) bool {
			return canonical.RiskFlag(fl.Field().String()).IsValid()
		}))
		must(v.RegisterValidation("canonical_queue", func(fl validator.FieldLevel) bool {
			return canonical.Queue(fl.Field().String()).IsValid()
		}))
		must(v.RegisterValidation("canonical_sla", func(fl validator.FieldLevel) bool {
			return canonical.SLA(fl.Field().String()).IsValid()
		}))
		must(v.RegisterValidation("canonical_action", func(fl validator.FieldLevel) bool {
			return canonical.Action(fl.Field().String()).IsValid()
		}))
		must(v.RegisterValidation("canonical_stage", func(fl validator.FieldLevel) bool {
			return canonical.Stage(fl.Field().String()).IsValid()
		}))
		must(v.RegisterValidation("canonical_identity_status", func(fl validator.FieldLevel) bool {
			return canonical.IdentityStatus(fl.Field().String()).IsValid()
		}))
		must(v.RegisterValidation("canonical_entity_type", func(fl validator.FieldLevel) bool {
			return canonical.EntityType(fl.Field().String()).IsValid()
		}))
	})
	return v
}

// ValidateStruct validates any artifact struct against its tags.
func ValidateStruct(s any) error {
	if err := Validator().Struct(s); err != nil {
		return fmt.Errorf("artifact validation: %w", err)
	}
	return nil
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
