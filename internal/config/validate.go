package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ValidationError reports a bad config file or value. Line is set for YAML
// syntax errors, Field for value errors (named by its config key).
type ValidationError struct {
	FilePath string
	Line     int
	Field    string
	Message  string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Line > 0:
		return fmt.Sprintf("%s:%d: %s", e.FilePath, e.Line, e.Message)
	case e.Field != "":
		return fmt.Sprintf("%s: field '%s': %s", e.FilePath, e.Field, e.Message)
	default:
		return fmt.Sprintf("%s: %s", e.FilePath, e.Message)
	}
}

// configValidator reports fields by their koanf key and checks rules that
// span fields.
var configValidator = sync.OnceValue(func() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("koanf"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		cfg := sl.Current().Interface().(Configuration)
		if cfg.Generator == GeneratorHTTP && cfg.Endpoint == "" {
			sl.ReportError(cfg.Endpoint, "endpoint", "Endpoint", "required_for_http", "")
		}
	}, Configuration{})
	return v
})

// CheckYAMLFile reports a syntax error in the YAML file at path. A missing
// file is fine: defaults apply.
func CheckYAMLFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return &ValidationError{FilePath: path, Message: err.Error()}
	}
	return CheckYAML(data, path)
}

// CheckYAML reports a syntax error in data. path only labels the error.
func CheckYAML(data []byte, path string) error {
	var node yaml.Node
	err := yaml.Unmarshal(data, &node)
	if err == nil {
		return nil
	}
	var typeErr *yaml.TypeError
	if errors.As(err, &typeErr) {
		return &ValidationError{FilePath: path, Message: strings.Join(typeErr.Errors, "; ")}
	}
	line, msg := splitYAMLError(err.Error())
	return &ValidationError{FilePath: path, Line: line, Message: msg}
}

// splitYAMLError turns "yaml: line 3: did not find ..." into (3, "did not find ...").
func splitYAMLError(msg string) (int, string) {
	rest, ok := strings.CutPrefix(msg, "yaml: ")
	if !ok {
		return 0, msg
	}
	var line int
	if _, err := fmt.Sscanf(rest, "line %d:", &line); err != nil {
		return 0, rest
	}
	_, detail, _ := strings.Cut(rest, ": ")
	return line, detail
}

// Validate checks cfg against its struct tags and cross-field rules. All
// failing fields are reported.
func Validate(cfg *Configuration, source string) error {
	err := configValidator().Struct(cfg)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &ValidationError{FilePath: source, Message: err.Error()}
	}
	errs := make([]error, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		errs = append(errs, &ValidationError{FilePath: source, Field: fe.Field(), Message: describeRule(fe)})
	}
	return errors.Join(errs...)
}

func describeRule(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_for_http":
		return "is required when generator is http"
	case "min":
		return "must be at least " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	case "url":
		return "must be a valid URL"
	default:
		return "failed rule " + fe.Tag()
	}
}
