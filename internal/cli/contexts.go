package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/harun/askem/pkg/beaker"
	"github.com/harun/askem/pkg/contexts"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var contextsJSON bool

var contextsCmd = &cobra.Command{
	Use:   "contexts",
	Short: "List the available contexts",
	Long:  `List every context with the kernels it runs on, its agent tools and its actions.`,
	Args:  cobra.NoArgs,
	RunE:  runContexts,
}

func init() {
	contextsCmd.Flags().BoolVar(&contextsJSON, "json", false, "print JSON")
	rootCmd.AddCommand(contextsCmd)
}

func runContexts(cmd *cobra.Command, args []string) error {
	manager := beaker.NewManager(zerolog.Nop())
	if err := contexts.RegisterAll(manager); err != nil {
		return err
	}
	infos := manager.List()
	out := cmd.OutOrStdout()

	if contextsJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CONTEXT\tKERNELS\tTOOLS\tACTIONS")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			info.Slug,
			strings.Join(info.Kernels, ","),
			orDash(info.Tools),
			orDash(info.Actions),
		)
	}
	return w.Flush()
}

func orDash(names []string) string {
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, ",")
}
