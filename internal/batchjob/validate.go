package batchjob

import (
	"batchbridge/internal/apperrors"
	"batchbridge/internal/batch"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// maxIDLength is the longest job, task or pool id the batch service accepts.
const maxIDLength = 64

// idPattern allows alphanumeric, hyphens, and underscores
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	_ = v.RegisterValidation("batchid", func(fl validator.FieldLevel) bool {
		return validID(fl.Field().String())
	})
	return v
}

func validID(id string) bool {
	return len(id) <= maxIDLength && idPattern.MatchString(id)
}

// Validate checks a job before any call to the batch service.
func (j Job) Validate() error {
	if err := validate.Struct(j); err != nil {
		return translate(err)
	}

	id := j.EffectiveID()
	if id == "" {
		return apperrors.Validation("id", "job id is required when no orchestration instance is linked")
	}
	if !validID(id) {
		return apperrors.Validation("id", fmt.Sprintf("effective job id %q must be alphanumeric (hyphens and underscores allowed) and at most %d characters", id, maxIDLength))
	}

	seen := make(map[string]struct{}, len(j.Tasks))
	for i, t := range j.Tasks {
		if t.ID == SignalTaskID {
			return apperrors.Validation(fmt.Sprintf("tasks[%d].id", i), fmt.Sprintf("task id %q is reserved", SignalTaskID))
		}
		if _, dup := seen[t.ID]; dup {
			return apperrors.Validation(fmt.Sprintf("tasks[%d].id", i), fmt.Sprintf("duplicate task id %q", t.ID))
		}
		seen[t.ID] = struct{}{}
	}
	return nil
}

// ValidatePool checks that a resolved pool carries the settings the service requires.
func ValidatePool(spec batch.PoolSpec) error {
	if spec.ID == "" {
		return apperrors.Validation("poolId", "pool id is not set on the job, the binding or the defaults")
	}
	if !validID(spec.ID) {
		return apperrors.Validation("poolId", fmt.Sprintf("pool id %q must be alphanumeric (hyphens and underscores allowed) and at most %d characters", spec.ID, maxIDLength))
	}
	if spec.VMSize == "" {
		return apperrors.Validation("poolVmSize", "pool VM size is not set on the job, the binding or the defaults")
	}
	if spec.TargetDedicatedNodes < 0 || spec.TargetLowPriorityNodes < 0 {
		return apperrors.Validation("poolNodeCount", "node counts cannot be negative")
	}
	return nil
}

// translate converts the first validator failure into an apperrors validation error.
func translate(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperrors.Validation("", err.Error())
	}
	fe := verrs[0]
	_, field, _ := strings.Cut(fe.Namespace(), ".")

	var msg string
	switch fe.Tag() {
	case "required":
		msg = fmt.Sprintf("%s is required", field)
	case "min":
		if fe.Kind() == reflect.Slice {
			msg = fmt.Sprintf("%s must contain at least %s item(s)", field, fe.Param())
		} else {
			msg = fmt.Sprintf("%s must be at least %s", field, fe.Param())
		}
	case "max":
		msg = fmt.Sprintf("%s exceeds maximum of %s", field, fe.Param())
	case "batchid":
		msg = fmt.Sprintf("%s must be alphanumeric (hyphens and underscores allowed, cannot start with hyphen/underscore) and at most %d characters", field, maxIDLength)
	default:
		msg = fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
	return apperrors.Validation(field, msg)
}
