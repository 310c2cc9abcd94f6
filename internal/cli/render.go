package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harun/askem/pkg/codecell"
	"github.com/harun/askem/pkg/contexts"
	"github.com/harun/askem/pkg/templates"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	renderKernel   string
	renderVars     []string
	renderVarsJSON string
	renderRaw      bool
)

var renderCmd = &cobra.Command{
	Use:   "render <toolset> <template>",
	Short: "Render a procedure template",
	Long: `Render a procedure template without running it and print its code-cell
envelope. Variables come from --vars-json and then --var, later values win.`,
	Example: `  askem render dataset load_df --var var_name=df --var dataset_id=d1 --var filename=data.csv
  askem render mira unload_model --kernel python3 --vars-json '{"var_name":"sir","schema":"petrinet"}'`,
	Args: cobra.ExactArgs(2),
	RunE: runRender,
}

func init() {
	renderCmd.Flags().StringVar(&renderKernel, "kernel", "", "kernel the code is for (default from config)")
	renderCmd.Flags().StringArrayVar(&renderVars, "var", nil, "template variable as key=value, repeatable")
	renderCmd.Flags().StringVar(&renderVarsJSON, "vars-json", "", "template variables as a JSON object")
	renderCmd.Flags().BoolVar(&renderRaw, "raw", false, "print the code instead of the envelope")
	rootCmd.AddCommand(renderCmd)
}

func runRender(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	kernelName := renderKernel
	if kernelName == "" {
		kernelName = cfg.Jupyter.DefaultKernel
	}

	vars, err := parseVars(renderVarsJSON, renderVars)
	if err != nil {
		return err
	}

	registry := templates.New(templates.Config{
		OverrideDir: cfg.Templates.OverrideDir,
		Logger:      zerolog.Nop(),
	})
	if err := contexts.RegisterProcedures(registry); err != nil {
		return err
	}

	code, err := registry.Render(args[0], kernelName, args[1], vars)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if renderRaw {
		fmt.Fprintln(out, code)
		return nil
	}
	envelope, err := codecell.New(kernelName, code).Marshal()
	if err != nil {
		return err
	}
	fmt.Fprintln(out, envelope)
	return nil
}

// parseVars merges a JSON object and key=value pairs.
func parseVars(varsJSON string, pairs []string) (map[string]any, error) {
	vars := map[string]any{}
	if varsJSON != "" {
		dec := json.NewDecoder(strings.NewReader(varsJSON))
		dec.UseNumber()
		if err := dec.Decode(&vars); err != nil {
			return nil, fmt.Errorf("invalid --vars-json: %w", err)
		}
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --var %q, want key=value", pair)
		}
		vars[key] = value
	}
	return vars, nil
}
