package validator

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()

	// Use JSON tag names in error messages
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	// Register custom validations
	registerCustomValidations()
}

func registerCustomValidations() {
	// Generation model validation
	validate.RegisterValidation("gen_model", func(fl validator.FieldLevel) bool {
		model := fl.Field().String()
		validModels := []string{"muse-v2", "muse-v2-turbo", "muse-anime", "muse-photoreal", ""}
		for _, m := range validModels {
			if model == m {
				return true
			}
		}
		return false
	})

	// Image size validation (WxH)
	validate.RegisterValidation("image_size", func(fl validator.FieldLevel) bool {
		size := fl.Field().String()
		validSizes := []string{"512x512", "768x768", "1024x1024", "768x1344", "1344x768", ""}
		for _, s := range validSizes {
			if size == s {
				return true
			}
		}
		return false
	})
}

// Validate validates a struct and returns a map of field errors
func Validate(s interface{}) map[string]string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	errors := make(map[string]string)
	for _, err := range err.(validator.ValidationErrors) {
		field := err.Field()
		switch err.Tag() {
		case "required":
			errors[field] = "This field is required"
		case "min":
			errors[field] = fmt.Sprintf("Must be at least %s", err.Param())
		case "max":
			errors[field] = fmt.Sprintf("Must be at most %s", err.Param())
		case "oneof":
			errors[field] = fmt.Sprintf("Must be one of: %s", err.Param())
		case "url":
			errors[field] = "Must be a valid URL"
		case "uuid":
			errors[field] = "Must be a valid UUID"
		case "gen_model":
			errors[field] = "Unknown generation model"
		case "image_size":
			errors[field] = "Unsupported image size"
		default:
			errors[field] = "Invalid value"
		}
	}

	return errors
}
