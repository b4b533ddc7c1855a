package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/SPINLab/mrgcn/core/archive"
	"github.com/SPINLab/mrgcn/core/history"
	"github.com/SPINLab/mrgcn/core/task"
	"github.com/SPINLab/mrgcn/core/train"
)

// =============================================================================
// Flags
// =============================================================================

var (
	trainInput         string
	trainOutput        string
	trainHistory       string
	trainCheckpointDir string
	trainResume        string
)

// =============================================================================
// Command
// =============================================================================

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a model and write node predictions",
	Long: `Trains a relational graph convolutional network on the configured graph
and writes a tab-separated prediction for every node.

Without -i the graph is parsed first; with -i a prepared archive is loaded
instead. Progress is printed once per epoch, followed by the test result.

Examples:
  mrgcn train -c aifb.toml                          # Parse and train
  mrgcn train -c aifb.toml -i aifb.tar.gz -o out.tsv
  mrgcn train -c aifb.toml --history runs.db        # Record metrics
  mrgcn train -c aifb.toml --checkpoint-dir ckpt    # Snapshot every checkpoint_every epochs
  mrgcn train -c aifb.toml --resume ckpt/run-epoch-0020.snap`,
	RunE: runTrain,
}

func init() {
	rootCmd.AddCommand(trainCmd)

	trainCmd.Flags().StringVarP(&trainInput, "input", "i", "", "Prepared archive to train on")
	trainCmd.Flags().StringVarP(&trainOutput, "output", "o", "", "Prediction file to write")
	trainCmd.Flags().StringVar(&trainHistory, "history", "", "SQLite database to record the run in")
	trainCmd.Flags().StringVar(&trainCheckpointDir, "checkpoint-dir", "", "Directory for model snapshots")
	trainCmd.Flags().StringVar(&trainResume, "resume", "", "Snapshot to continue training from")
}

func runTrain(cmd *cobra.Command, args []string) (retErr error) {
	started := time.Now()
	logger, closeLog := openLog(started)
	defer closeLog()

	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}
	runName := fmt.Sprintf("%s%d", cfg.Name, started.Unix())

	// Every path is checked before any work is done.
	output := trainOutput
	if output == "" {
		output = fmt.Sprintf("./%s.tsv", runName)
	}
	if err := checkWritable(output); err != nil {
		return err
	}
	for _, path := range []string{trainInput, trainResume} {
		if path == "" {
			continue
		}
		if err := checkReadable(path); err != nil {
			return err
		}
	}

	var bundle *archive.Bundle
	if trainInput != "" {
		logger.Info("loading archive", "path", trainInput)
		bundle, err = archive.Read(trainInput)
	} else {
		bundle, err = task.Prepare(cfg, logger)
	}
	if err != nil {
		return err
	}

	stack, err := task.BuildModel(cfg, bundle, logger)
	if err != nil {
		return err
	}
	splits, err := task.Splits(cfg, bundle)
	if err != nil {
		return err
	}

	tc := train.Config{
		Epochs:          cfg.Model.Epoch,
		EvalEvery:       cfg.Model.EvalEvery,
		CheckpointEvery: cfg.Model.CheckpointEvery,
		HaltOnNonFinite: cfg.Model.HaltOnNonFinite,
		Output:          cmd.OutOrStdout(),
		Logger:          logger,
	}

	if trainResume != "" {
		snap, err := archive.ReadSnapshot(trainResume)
		if err != nil {
			return err
		}
		if err := stack.Restore(snap); err != nil {
			return err
		}
		tc.StartEpoch = snap.Epoch
		logger.Info("resumed from snapshot", "path", trainResume, "epoch", snap.Epoch)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if trainHistory != "" {
		store, err := history.NewStore(history.StoreConfig{Path: trainHistory})
		if err != nil {
			return err
		}
		defer store.Close()

		raw, err := cfg.Marshal()
		if err != nil {
			return err
		}
		run, err := store.StartRun(ctx, cfg.Name, raw)
		if err != nil {
			return err
		}
		defer func() {
			if retErr != nil {
				if err := run.Fail(context.Background()); err != nil {
					logger.Warn("could not mark run failed", "run", run.ID, "error", err)
				}
			}
		}()
		tc.Recorder = run
		runName = cfg.Name + "-" + run.ID
		logger.Info("recording run", "run", run.ID, "database", trainHistory)
	}

	var checkpoints *archive.Checkpoints
	if trainCheckpointDir != "" {
		checkpoints, err = archive.NewCheckpoints(trainCheckpointDir, runName, logger)
		if err != nil {
			return err
		}
		tc.Checkpointer = checkpoints
	}

	trainer, err := train.New(stack, *splits, tc)
	if err != nil {
		return err
	}
	res, err := trainer.Run(ctx)
	if err != nil {
		// Keep the last finished epoch of an interrupted run.
		if errors.Is(err, context.Canceled) && checkpoints != nil && len(res.Epochs) > 0 {
			last := res.Epochs[len(res.Epochs)-1].Epoch
			if cerr := checkpoints.Checkpoint(context.Background(), stack.Snapshot(last)); cerr != nil {
				logger.Warn("could not save interrupted run", "error", cerr)
			}
		}
		return err
	}

	f, err := os.Create(output)
	if err != nil {
		return err
	}
	if err := task.WritePredictions(f, bundle, res.Predictions, splits); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	logger.Info("predictions written", "path", output, "duration", time.Since(started))
	return nil
}
