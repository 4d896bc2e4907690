package validator

import (
	"regexp"

	"github.com/go-playground/validator/v10"
)

var (
	// Validate is a shared singleton; validator.Validate caches struct
	// metadata, so reuse matters under load.
	Validate *validator.Validate

	reTopic = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

func init() {
	Validate = validator.New()

	_ = Validate.RegisterValidation("topic", validateTopic)
}

// validateTopic checks a kafka-safe topic name.
func validateTopic(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if s == "" || len(s) > 249 {
		return false
	}
	return reTopic.MatchString(s)
}
