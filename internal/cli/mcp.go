package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/harun/askem/internal/daemon"
	"github.com/harun/askem/pkg/beaker"
	"github.com/harun/askem/pkg/mcpserver"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	mcpContext  string
	mcpKernelID string
	mcpKernel   string
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the tools of one context over MCP stdio",
	Long: `Set up a context on a Jupyter kernel and expose its tools to an MCP
client on stdin/stdout. Logs go to stderr.`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpContext, "context", "", "context slug, see 'askem contexts'")
	mcpCmd.Flags().StringVar(&mcpKernelID, "kernel-id", "", "attach to a running kernel instead of starting one")
	mcpCmd.Flags().StringVar(&mcpKernel, "kernel", "", "kernel to start (default from config)")
	_ = mcpCmd.MarkFlagRequired("context")
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// stdout carries the protocol.
	log, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.NewStandalone(cfg, log)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := d.ActivateContext(ctx, mcpContext, mcpKernelID, mcpKernel, nil, logSink(log.GetZerolog()))
	if err != nil {
		return err
	}

	server := mcpserver.New("askem-"+mcpContext, daemon.Version)
	if err := server.Register(c.Base().Tools(), mcpContext); err != nil {
		return err
	}

	log.Info().
		Str("context", mcpContext).
		Str("kernel_id", c.Base().Kernel().KernelID()).
		Strs("tools", c.Base().Tools().ListTools()).
		Msg("Serving context tools over MCP stdio")

	if err := server.Serve(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// logSink records context events in the log; MCP has no event channel.
func logSink(logger zerolog.Logger) beaker.EventSink {
	return func(_ context.Context, ev beaker.Event) {
		logger.Debug().
			Str("context", ev.Context).
			Str("event", ev.Type).
			Interface("content", ev.Content).
			Msg("Context event")
	}
}
