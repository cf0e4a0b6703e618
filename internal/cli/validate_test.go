package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/condorsoft/funnels/internal/funnel"
)

const validYAML = `name: Spring promo
steps:
  - type: popup_form
    config:
      title: Join
      fields:
        - {name: email, label: Email, type: email, required: true}
  - type: email
    config: {subject: Welcome, body: Hi}
  - type: popup_coupon
    config: {benefitType: percent, percentAmount: 10}
  - type: redemption
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(args ...string) (string, error) {
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestValidateValidYAML(t *testing.T) {
	out, err := execute("validate", writeFile(t, "flow.yaml", validYAML))
	require.NoError(t, err)
	require.Contains(t, out, "valid (4 steps)")
}

func TestValidateInvalidJSON(t *testing.T) {
	path := writeFile(t, "flow.json", `{"name":"x","steps":[{"type":"delay","config":{"duration":5}},{"type":"redemption"}]}`)
	out, err := execute("--format", "json", "validate", path)
	require.Error(t, err)
	require.Equal(t, ExitFailure, ExitCode(err))

	var res ValidationResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.False(t, res.Valid)
	require.Equal(t, 2, res.Steps)
	rules := []int{}
	for _, v := range res.Violations {
		rules = append(rules, v.Rule)
	}
	require.Equal(t, []int{funnel.RuleNoLeadingDelay, funnel.RuleRedemptionNeedsCoupon}, rules)
}

func TestValidateTextListsViolations(t *testing.T) {
	path := writeFile(t, "flow.yaml", "steps:\n  - type: expiration\n  - type: popup_text\n")
	out, err := execute("validate", path)
	require.Error(t, err)
	require.Contains(t, out, "1 violation(s)")
	require.Contains(t, out, "rule 6")
}

func TestValidateInputErrors(t *testing.T) {
	_, err := execute("validate", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Equal(t, ExitCommandError, ExitCode(err))

	_, err = execute("validate", writeFile(t, "flow.yaml", "steps:\n  - type: branch\n"))
	require.Equal(t, ExitCommandError, ExitCode(err))
	require.Contains(t, err.Error(), "unknown step type")

	_, err = execute("--format", "xml", "validate", writeFile(t, "flow.yaml", validYAML))
	require.Equal(t, ExitCommandError, ExitCode(err))
}

func TestLoadFlowFileKeepsConfig(t *testing.T) {
	steps, err := LoadFlowFile(writeFile(t, "flow.yaml", validYAML))
	require.NoError(t, err)
	require.Len(t, steps, 4)
	require.JSONEq(t, `{"benefitType":"percent","percentAmount":10}`, string(steps[2].Config))
	require.JSONEq(t, `{}`, string(steps[3].Config))
}
