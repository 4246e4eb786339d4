package survey

import (
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/masomo-forms/core"
)

var (
	audienceTag  = "audience"
	audienceText = "invalid audience"

	frequencyTag  = "frequency"
	frequencyText = "invalid frequency"

	fieldTypeTag  = "fieldtype"
	fieldTypeText = "invalid field type"

	nefieldTag  = "nefield"
	nefieldText = "fields must be different"
)

// InitValidators registers the survey validations & translations.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	_ = validate.RegisterValidation(audienceTag, audienceValidation)
	core.RegisterCustomTranslation(validate, translator, audienceTag, audienceText)

	_ = validate.RegisterValidation(frequencyTag, frequencyValidation)
	core.RegisterCustomTranslation(validate, translator, frequencyTag, frequencyText)

	_ = validate.RegisterValidation(fieldTypeTag, fieldTypeValidation)
	core.RegisterCustomTranslation(validate, translator, fieldTypeTag, fieldTypeText)

	core.RegisterCustomTranslation(validate, translator, nefieldTag, nefieldText, true)
}

// Custom Validators

func audienceValidation(fl validator.FieldLevel) bool {
	val := Audience(fl.Field().String())
	for _, a := range Audiences {
		if a == val {
			return true
		}
	}
	return false
}

func frequencyValidation(fl validator.FieldLevel) bool {
	val := Frequency(fl.Field().String())
	for _, f := range Frequencies {
		if f == val {
			return true
		}
	}
	return false
}

func fieldTypeValidation(fl validator.FieldLevel) bool {
	val := FieldType(fl.Field().String())
	for _, t := range FieldTypes {
		if t == val {
			return true
		}
	}
	return false
}
