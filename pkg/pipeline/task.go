package pipeline

import (
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
	pkgerrors "github.com/pkg/errors"
)

// DefaultComplexity is used by loaders when a task leaves complexity unset.
const DefaultComplexity = 0.5

// Task is one node of the pipeline. A task's result is stored in the
// execution context under its ID; downstream tasks read it from there.
type Task struct {
	ID        string   `yaml:"id" json:"id" validate:"required,taskid"`
	Function  string   `yaml:"fn" json:"fn" validate:"required"`
	DependsOn []string `yaml:"depends_on" json:"depends_on,omitempty" validate:"dive,required"`
	// Complexity in [0,1] drives model routing for non-deterministic tasks.
	Complexity float64 `yaml:"complexity" json:"complexity" validate:"gte=0,lte=1"`
	// Deterministic tasks are run without a model.
	Deterministic bool   `yaml:"is_deterministic" json:"is_deterministic"`
	Description   string `yaml:"description" json:"description,omitempty"`
	// OutputSchema names a registered schema the model reply must satisfy.
	OutputSchema string `yaml:"output_schema" json:"output_schema,omitempty"`
}

var taskValidate *validator.Validate

func init() {
	taskValidate = validator.New()
	_ = taskValidate.RegisterValidation("taskid", validateTaskID)
}

// validateTaskID rejects blank identifiers and identifiers with control
// characters, which cannot be logged or stored unambiguously.
func validateTaskID(fl validator.FieldLevel) bool {
	id := fl.Field().String()
	if strings.TrimSpace(id) == "" {
		return false
	}
	return strings.IndexFunc(id, unicode.IsControl) < 0
}

// Validate checks the fields of a single task.
func (t Task) Validate() error {
	if err := taskValidate.Struct(t); err != nil {
		var verrs validator.ValidationErrors
		if pkgerrors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &GraphError{Kind: ErrInvalidTask, Task: t.ID,
				Err: pkgerrors.Errorf("field %s failed %q", fe.Namespace(), fe.Tag())}
		}
		return &GraphError{Kind: ErrInvalidTask, Task: t.ID, Err: err}
	}
	return nil
}
