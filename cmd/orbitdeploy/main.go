package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

var Version = "dev"

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "orbitdeploy",
		Short: "Deploy OrbitService to a remote instance and forward its gRPC port",
		Long: `orbitdeploy connects to a remote instance over SSH, installs or starts
OrbitService, and forwards the service's gRPC port to a local one. It also
inspects and edits Orbit capture files.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(out)

	rootCmd.AddCommand(newDeployCmd())
	rootCmd.AddCommand(newCaptureCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "orbitdeploy %s\n", Version)
		},
	}
}

// setupLogging installs the default slog logger. JSON logs go through a zap
// production core; otherwise terminals get charmbracelet/log and everything
// else plain text. The returned func flushes buffered output.
func setupLogging(debug, jsonLogs bool) (func(), error) {
	var level slog.Level
	if debug {
		level = slog.LevelDebug
	} else {
		level = slog.LevelInfo
	}

	if jsonLogs {
		zcfg := zap.NewProductionConfig()
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.Level(level / 4))
		zcfg.OutputPaths = []string{"stderr"}
		logger, err := zcfg.Build()
		if err != nil {
			return nil, fmt.Errorf("building json logger: %w", err)
		}
		slog.SetDefault(slog.New(zapslog.NewHandler(logger.Core())))
		return func() { _ = logger.Sync() }, nil
	}

	var handler slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		opts := log.Options{
			Level:           log.Level(level),
			ReportTimestamp: true,
		}
		handler = log.NewWithOptions(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
	return func() {}, nil
}
