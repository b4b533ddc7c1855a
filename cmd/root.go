// Package cmd provides the mrgcn command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/SPINLab/mrgcn/core/config"
	coreerrors "github.com/SPINLab/mrgcn/core/errors"
)

var (
	configPath   string
	verbose      bool
	logDirectory string
)

var rootCmd = &cobra.Command{
	Use:   "mrgcn",
	Short: "Relational graph convolution for node classification",
	Long: `mrgcn trains a relational graph convolutional network to classify the
nodes of a knowledge graph.

Examples:
  mrgcn prepare -c aifb.toml -o aifb.tar.gz    # Parse the graph once
  mrgcn train -c aifb.toml -i aifb.tar.gz      # Train from the prepared input
  mrgcn train -c aifb.toml -o predictions.tsv  # Parse and train in one go`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (toml or yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Also write the log to stderr")
	rootCmd.PersistentFlags().StringVar(&logDirectory, "log-directory", "../log/", "Where to save the log file")
}

// loadConfig reads the file given with --config.
func loadConfig(logger *slog.Logger) (*config.Config, error) {
	if configPath == "" {
		return nil, coreerrors.Newf(coreerrors.ErrInvalidConfig, "config", "no configuration file given, use --config")
	}
	m := config.NewManager(configPath)
	m.OnChange(func(c *config.Config) {
		logger.Info("configuration loaded",
			"path", configPath,
			"name", c.Name,
			"graph", c.Graph.File,
			"epochs", c.Model.Epoch,
			"layers", len(c.Model.Layers))
	})
	if err := m.Load(); err != nil {
		return nil, err
	}
	return m.Get(), nil
}

// checkWritable fails unless a file can be created next to path. Nothing is
// left behind.
func checkWritable(path string) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, ".mrgcn-probe-*")
	if err != nil {
		return coreerrors.Newf(coreerrors.ErrUnwritablePath, "output", "%s: %v", path, err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// checkReadable fails unless path can be opened for reading.
func checkReadable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return coreerrors.Newf(coreerrors.ErrUnreadablePath, "input", "%s: %v", path, err)
	}
	return f.Close()
}

// exitInterrupted follows the shell convention of 128 + SIGINT.
const exitInterrupted = 130

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, context.Canceled) {
		return exitInterrupted
	}
	if coreerrors.IsFatal(err) {
		return 2
	}
	return 1
}

// ExitCode maps an error returned by Execute to a process exit status:
// 2 for configuration, data and I/O failures, 1 for numerical ones and 130
// for a run stopped by SIGINT or SIGTERM.
func ExitCode(err error) int {
	code := exitCode(err)
	if code != 0 {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	return code
}
