// Package validate collects configuration problems so they can be reported
// together instead of one per run. Field rules are expressed as
// go-playground/validator tags; this package owns the shared engine, the
// project-specific tags, and the mapping of tag failures into readable
// messages.
package validate

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validator accumulates errors.
type Validator struct{ errs []error }

// Add records err as is, keeping it matchable with errors.Is.
func (v *Validator) Add(err error) {
	if err != nil {
		v.errs = append(v.errs, err)
	}
}

// Err returns nil, the single error, or all errors joined.
func (v *Validator) Err() error {
	switch len(v.errs) {
	case 0:
		return nil
	case 1:
		return v.errs[0]
	default:
		return errors.Join(v.errs...)
	}
}

// Struct runs the engine's tag rules over s and records one message per
// failing field. Field names are reported by their yaml path, e.g.
// "motion.min_area".
func (v *Validator) Struct(engine *validator.Validate, s interface{}) {
	err := engine.Struct(s)
	if err == nil {
		return
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		v.Add(err)
		return
	}
	for _, fe := range fieldErrs {
		v.Add(fieldError(fe))
	}
}

func fieldError(fe validator.FieldError) error {
	field := fieldPath(fe.Namespace())
	switch fe.ActualTag() {
	case "required":
		return fmt.Errorf("%s is required", field)
	case "oneof":
		return fmt.Errorf("%s must be one of [%s], got %v", field, fe.Param(), fe.Value())
	case "gt":
		return fmt.Errorf("%s must be greater than %s, got %v", field, fe.Param(), fe.Value())
	case "gte", "min":
		return fmt.Errorf("%s must be at least %s, got %v", field, fe.Param(), fe.Value())
	case "lte", "max":
		return fmt.Errorf("%s must be at most %s, got %v", field, fe.Param(), fe.Value())
	case "unique":
		return fmt.Errorf("%s contains duplicates: %v", field, fe.Value())
	case "hostname_port":
		return fmt.Errorf("%s must be host:port, got %q", field, fe.Value())
	case "startswith":
		return fmt.Errorf("%s must start with %q", field, fe.Param())
	case "bucket":
		return fmt.Errorf("invalid %s: %q (3-63 lowercase letters, digits, dots or dashes)", field, fe.Value())
	case "dirpath":
		return fmt.Errorf("invalid %s: %q", field, fe.Value())
	default:
		return fmt.Errorf("%s is not valid (%s)", field, fe.ActualTag())
	}
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

// NewEngine returns a validator that names fields by their yaml tag and
// knows the "bucket" and "dirpath" tags.
func NewEngine() *validator.Validate {
	engine := validator.New()
	engine.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	// Registration only fails for empty tags or nil funcs.
	_ = engine.RegisterValidation("bucket", func(fl validator.FieldLevel) bool {
		return IsBucketName(fl.Field().String())
	})
	_ = engine.RegisterValidation("dirpath", func(fl validator.FieldLevel) bool {
		return isValidDirectoryPath(fl.Field().String())
	})
	return engine
}

var bucketRe = regexp.MustCompile(`^[a-z0-9][a-z0-9.\-]*[a-z0-9]$`)

// IsBucketName checks S3 bucket naming rules.
func IsBucketName(name string) bool {
	return len(name) >= 3 && len(name) <= 63 && bucketRe.MatchString(name) && !strings.Contains(name, "..")
}

func isValidDirectoryPath(path string) bool {
	if path == "" {
		return false
	}
	clean := filepath.Clean(path)
	return clean != "" && !strings.Contains(path, "\x00") && !strings.HasPrefix(clean, "..")
}
