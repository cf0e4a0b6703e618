package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/condorsoft/funnels/internal/funnel"
	"github.com/condorsoft/funnels/internal/models"
)

// FlowFile is the on-disk flow definition. YAML and JSON are both accepted.
type FlowFile struct {
	Name  string     `yaml:"name"`
	Steps []FileStep `yaml:"steps"`
}

// FileStep is one step in a FlowFile.
type FileStep struct {
	Type   string                 `yaml:"type"`
	Config map[string]interface{} `yaml:"config"`
}

// ValidationResult is the json output of validate.
type ValidationResult struct {
	File       string             `json:"file"`
	Valid      bool               `json:"valid"`
	Steps      int                `json:"steps"`
	Violations []funnel.Violation `json:"violations,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <flow-file>",
		Short: "Check a flow file against the funnel ordering rules",
		Long: `Check a flow file (YAML or JSON) against the funnel ordering rules
without touching the database. Exits 1 when the flow is invalid.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd.OutOrStdout())
		},
	}
}

func runValidate(opts *RootOptions, path string, out io.Writer) error {
	steps, err := LoadFlowFile(path)
	if err != nil {
		return &ExitError{Code: ExitCommandError, Err: err}
	}

	res := ValidationResult{File: path, Valid: true, Steps: len(steps)}
	var verr *funnel.ValidationError
	if err := funnel.Validate(steps); errors.As(err, &verr) {
		res.Valid = false
		res.Violations = verr.Violations
	} else if err != nil {
		return &ExitError{Code: ExitCommandError, Err: err}
	}

	if opts.Format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return &ExitError{Code: ExitCommandError, Err: err}
		}
	} else if res.Valid {
		fmt.Fprintf(out, "✓ %s: valid (%d steps)\n", path, res.Steps)
	} else {
		fmt.Fprintf(out, "✗ %s: %d violation(s)\n", path, len(res.Violations))
		for _, v := range res.Violations {
			fmt.Fprintf(out, "  position %d, rule %d: %s\n", v.Position, v.Rule, v.Message)
		}
	}
	if !res.Valid {
		return &ExitError{Code: ExitFailure, Err: fmt.Errorf("%s: invalid funnel", path)}
	}
	return nil
}

// LoadFlowFile reads a flow file into steps. Unknown step types are rejected here,
// as the editor API would reject them.
func LoadFlowFile(path string) ([]models.Step, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flow file: %w", err)
	}
	var file FlowFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse flow file: %w", err)
	}

	steps := make([]models.Step, 0, len(file.Steps))
	for i, fs := range file.Steps {
		typ := models.StepType(fs.Type)
		if typ != models.StepMenu && !typ.Canonical().Known() {
			return nil, fmt.Errorf("step %d: unknown step type %q", i+1, fs.Type)
		}
		config := json.RawMessage(`{}`)
		if fs.Config != nil {
			if config, err = json.Marshal(fs.Config); err != nil {
				return nil, fmt.Errorf("step %d: encode config: %w", i+1, err)
			}
		}
		steps = append(steps, models.Step{Type: typ, Config: config})
	}
	return steps, nil
}
