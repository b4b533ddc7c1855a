// Package train drives full-batch training of a compiled stack and reports
// per-epoch metrics.
package train

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/SPINLab/mrgcn/core/dataset"
	coreerrors "github.com/SPINLab/mrgcn/core/errors"
	"github.com/SPINLab/mrgcn/core/eval"
	"github.com/SPINLab/mrgcn/core/rgcn"
)

// Model is the part of a compiled stack the trainer drives.
type Model interface {
	TrainStep(y mat.Matrix, weights []float64) (float64, error)
	Predict() (*mat.Dense, error)
	CheckLabels(y mat.Matrix) error
	Snapshot(epoch int) rgcn.Snapshot
}

// EpochResult is what one epoch reports. The metric fields are only set when
// Evaluated is true.
type EpochResult struct {
	Epoch     int
	Loss      float64
	Evaluated bool
	TrainLoss float64
	TrainAcc  float64
	ValLoss   float64
	ValAcc    float64
	Duration  time.Duration
}

// TestResult is the final held-out evaluation.
type TestResult struct {
	Loss     float64
	Accuracy float64
}

// Recorder persists run progress.
type Recorder interface {
	RecordEpoch(ctx context.Context, r EpochResult) error
	RecordTest(ctx context.Context, r TestResult) error
}

// Checkpointer persists model snapshots.
type Checkpointer interface {
	Checkpoint(ctx context.Context, snap rgcn.Snapshot) error
}

// Config controls a training run.
type Config struct {
	Epochs int
	// EvalEvery is the evaluation interval in epochs. Non-positive means 1.
	EvalEvery int
	// CheckpointEvery is the snapshot interval in epochs. Zero disables
	// checkpoints.
	CheckpointEvery int
	// HaltOnNonFinite stops the run with ErrNonFinite instead of warning.
	HaltOnNonFinite bool
	// StartEpoch is the number of epochs already completed when resuming.
	StartEpoch int

	Output       io.Writer
	Logger       *slog.Logger
	Recorder     Recorder
	Checkpointer Checkpointer
}

// Result is the outcome of a completed run.
type Result struct {
	Predictions *mat.Dense
	Epochs      []EpochResult
	Test        TestResult
}

// Trainer runs the epoch loop for one model and one split.
type Trainer struct {
	model  Model
	splits dataset.Splits
	mask   []float64
	cfg    Config
	logger *slog.Logger
	out    io.Writer
}

// New checks the split labels against the model and prepares a trainer.
func New(model Model, splits dataset.Splits, cfg Config) (*Trainer, error) {
	if cfg.Epochs < 1 {
		return nil, coreerrors.Newf(coreerrors.ErrInvalidConfig, "train", "epochs must be positive, got %d", cfg.Epochs)
	}
	if cfg.StartEpoch < 0 || cfg.StartEpoch > cfg.Epochs {
		return nil, coreerrors.Newf(coreerrors.ErrInvalidConfig, "train", "start epoch %d outside [0, %d]", cfg.StartEpoch, cfg.Epochs)
	}
	if cfg.CheckpointEvery < 0 {
		return nil, coreerrors.Newf(coreerrors.ErrInvalidConfig, "train", "negative checkpoint interval")
	}
	if cfg.EvalEvery <= 0 {
		cfg.EvalEvery = 1
	}

	for _, sub := range []dataset.Subset{splits.Train, splits.Val, splits.Test} {
		if sub.Y == nil {
			return nil, coreerrors.Newf(coreerrors.ErrShapeMismatch, "train", "split has no labels")
		}
		if err := model.CheckLabels(sub.Y); err != nil {
			return nil, err
		}
	}
	n, _ := splits.Train.Y.Dims()

	t := &Trainer{
		model:  model,
		splits: splits,
		mask:   dataset.SampleMask(splits.Train.Indices, n),
		cfg:    cfg,
		logger: cfg.Logger,
		out:    cfg.Output,
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	if t.out == nil {
		t.out = os.Stdout
	}
	return t, nil
}

// Run trains for the configured number of epochs, then predicts once more
// and evaluates the test split. Cancelling ctx stops the run between epochs.
func (t *Trainer) Run(ctx context.Context) (*Result, error) {
	res := &Result{}
	t.logger.Info("starting training",
		"epochs", t.cfg.Epochs,
		"start_epoch", t.cfg.StartEpoch,
		"train", t.splits.Train.Len(),
		"val", t.splits.Val.Len(),
		"test", t.splits.Test.Len())

	for epoch := t.cfg.StartEpoch + 1; epoch <= t.cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("training interrupted before epoch %d: %w", epoch, err)
		}

		r, err := t.epoch(epoch)
		if err != nil {
			return res, err
		}
		res.Epochs = append(res.Epochs, r)
		t.report(r)

		if t.cfg.Recorder != nil {
			if err := t.cfg.Recorder.RecordEpoch(ctx, r); err != nil {
				return res, fmt.Errorf("recording epoch %d: %w", epoch, err)
			}
		}
		if t.cfg.Checkpointer != nil && t.cfg.CheckpointEvery > 0 && epoch%t.cfg.CheckpointEvery == 0 {
			if err := t.cfg.Checkpointer.Checkpoint(ctx, t.model.Snapshot(epoch)); err != nil {
				return res, fmt.Errorf("checkpoint at epoch %d: %w", epoch, err)
			}
		}
	}

	preds, err := t.model.Predict()
	if err != nil {
		return res, fmt.Errorf("final prediction: %w", err)
	}
	res.Predictions = preds

	loss, acc, err := eval.Evaluate(preds, []mat.Matrix{t.splits.Test.Y}, [][]int{t.splits.Test.Indices})
	if err != nil {
		return res, err
	}
	res.Test = TestResult{Loss: loss[0], Accuracy: acc[0]}
	fmt.Fprintf(t.out, "Test set results: loss= %s accuracy= %s\n", formatFloat(loss[0]), formatFloat(acc[0]))
	if err := t.checkFinite(0, "test_loss", loss[0]); err != nil {
		return res, err
	}

	if t.cfg.Recorder != nil {
		if err := t.cfg.Recorder.RecordTest(ctx, res.Test); err != nil {
			return res, fmt.Errorf("recording test result: %w", err)
		}
	}
	t.logger.Info("training finished", "test_loss", res.Test.Loss, "test_accuracy", res.Test.Accuracy)
	return res, nil
}

func (t *Trainer) epoch(epoch int) (EpochResult, error) {
	start := time.Now()
	r := EpochResult{Epoch: epoch}

	loss, err := t.model.TrainStep(t.splits.Train.Y, t.mask)
	if err != nil {
		return r, fmt.Errorf("epoch %d: %w", epoch, err)
	}
	r.Loss = loss
	if err := t.checkFinite(epoch, "loss", loss); err != nil {
		return r, err
	}

	if epoch%t.cfg.EvalEvery == 0 {
		preds, err := t.model.Predict()
		if err != nil {
			return r, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		l, a, err := eval.Evaluate(preds,
			[]mat.Matrix{t.splits.Train.Y, t.splits.Val.Y},
			[][]int{t.splits.Train.Indices, t.splits.Val.Indices})
		if err != nil {
			return r, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		r.Evaluated = true
		r.TrainLoss, r.ValLoss = l[0], l[1]
		r.TrainAcc, r.ValAcc = a[0], a[1]
		if err := t.checkFinite(epoch, "val_loss", r.ValLoss); err != nil {
			return r, err
		}
	}
	r.Duration = time.Since(start)
	return r, nil
}

func (t *Trainer) report(r EpochResult) {
	if !r.Evaluated {
		fmt.Fprintf(t.out, "Epoch: %04d time= %s\n", r.Epoch, formatFloat(r.Duration.Seconds()))
		return
	}
	fmt.Fprintf(t.out, "Epoch: %04d train_loss= %s train_acc= %s val_loss= %s val_acc= %s time= %s\n",
		r.Epoch,
		formatFloat(r.TrainLoss), formatFloat(r.TrainAcc),
		formatFloat(r.ValLoss), formatFloat(r.ValAcc),
		formatFloat(r.Duration.Seconds()))
}

// checkFinite warns about a non-finite metric, or fails when the run is
// configured to halt on one.
func (t *Trainer) checkFinite(epoch int, metric string, v float64) error {
	if !math.IsNaN(v) && !math.IsInf(v, 0) {
		return nil
	}
	if t.cfg.HaltOnNonFinite {
		return coreerrors.Newf(coreerrors.ErrNonFinite, "train", "epoch %d: %s is %s", epoch, metric, formatFloat(v))
	}
	t.logger.Warn("non-finite metric", "epoch", epoch, "metric", metric, "value", formatFloat(v))
	return nil
}

// formatFloat renders v with four decimals, spelling non-finite values as
// nan, inf and -inf.
func formatFloat(v float64) string {
	switch {
	case math.IsNaN(v):
		return "nan"
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	return strconv.FormatFloat(v, 'f', 4, 64)
}
