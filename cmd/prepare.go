package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/SPINLab/mrgcn/core/archive"
	"github.com/SPINLab/mrgcn/core/task"
)

var prepareOutput string

var prepareCmd = &cobra.Command{
	Use:   "prepare",
	Short: "Parse a graph into a reusable training archive",
	Long: `Reads the configured graph, strips the target relation and writes the
relation matrices, features and labels to a compressed archive that
'mrgcn train -i' can load without parsing the graph again.

Examples:
  mrgcn prepare -c aifb.toml                    # Writes ./<name><timestamp>.tar.gz
  mrgcn prepare -c aifb.toml -o aifb.tar.gz`,
	RunE: runPrepare,
}

func init() {
	rootCmd.AddCommand(prepareCmd)

	prepareCmd.Flags().StringVarP(&prepareOutput, "output", "o", "", "Archive to write")
}

func runPrepare(cmd *cobra.Command, args []string) error {
	started := time.Now()
	logger, closeLog := openLog(started)
	defer closeLog()

	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	output := prepareOutput
	if output == "" {
		output = fmt.Sprintf("./%s%d.tar.gz", cfg.Name, started.Unix())
	}
	if err := checkWritable(output); err != nil {
		return err
	}

	logger.Info("preparing", "config", configPath, "output", output)

	bundle, err := task.Prepare(cfg, logger)
	if err != nil {
		return err
	}
	if err := archive.Write(output, bundle); err != nil {
		return err
	}

	logger.Info("archive written", "path", output, "duration", time.Since(started))
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%d nodes, %d relations, %d classes)\n",
		output, len(bundle.Nodes), len(bundle.Supports), len(bundle.Classes))
	return nil
}
