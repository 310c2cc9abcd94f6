package cli

import (
	"bytes"
	"testing"

	"github.com/spf13/cobra"
)

// runCLI executes the root command with args in an isolated HOME and returns
// everything written to stdout and stderr.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("HMI_SERVER_URL", "")

	cfgFile, logLevel, envFile = "", "info", ""
	renderKernel, renderVars, renderVarsJSON, renderRaw = "", nil, "", false
	contextsJSON = false
	stopTimeout = 30

	cmd := GetRootCmd()
	resetBoolFlags(cmd)
	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(output)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return output.String(), err
}

func hasCommand(name string) bool {
	for _, c := range GetRootCmd().Commands() {
		if c.Name() == name {
			return true
		}
	}
	return false
}

// resetBoolFlags clears --help and --version left set by an earlier run.
func resetBoolFlags(cmd *cobra.Command) {
	for _, name := range []string{"help", "version"} {
		if f := cmd.Flags().Lookup(name); f != nil {
			_ = f.Value.Set("false")
		}
	}
	for _, c := range cmd.Commands() {
		resetBoolFlags(c)
	}
}
