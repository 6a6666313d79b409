// Package validation checks flowkit configuration structs and operator
// arguments.
//
// Struct tag validation (validator/v10) covers the Config types owned by
// the engine packages:
//
//	type Config struct {
//	    Workers int `validate:"gte=1,lte=1024"`
//	}
//	err := validation.Validate(cfg)
//
// Programmatic validation collects argument errors for operator constructors:
//
//	err := validation.New().Positive("size", size).Validate()
package validation
