package config

import (
	"sync"

	"github.com/grovetools/prdflow/errors"
	"github.com/grovetools/prdflow/schema"
)

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// GenerateSchema returns the JSON Schema for the known configuration
// sections. Extension keys are not described.
func GenerateSchema() ([]byte, error) {
	return schema.Reflect(&Config{}, schema.Options{
		Title:        "prdflow configuration",
		Description:  "Schema for prdflow.yml and prdflow.toml.",
		FieldNameTag: "yaml",
	})
}

// ValidateSchema checks the known sections against the generated schema.
func ValidateSchema(c *Config) error {
	validatorOnce.Do(func() {
		data, err := GenerateSchema()
		if err != nil {
			validatorErr = err
			return
		}
		validator, validatorErr = schema.NewValidator("prdflow-config.json", data)
	})
	if validatorErr != nil {
		return errors.Wrap(validatorErr, errors.ErrCodeInternal, "failed to build configuration schema")
	}
	if err := validator.Validate(c); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigValidation, "configuration does not match schema")
	}
	return nil
}
