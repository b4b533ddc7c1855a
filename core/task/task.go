// Package task wires the node-classification pipeline together: graph to
// training inputs, configuration to model, and predictions to a report.
package task

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/SPINLab/mrgcn/core/archive"
	"github.com/SPINLab/mrgcn/core/config"
	"github.com/SPINLab/mrgcn/core/dataset"
	coreerrors "github.com/SPINLab/mrgcn/core/errors"
	"github.com/SPINLab/mrgcn/core/kg"
	"github.com/SPINLab/mrgcn/core/rgcn"
)

// Prepare reads the configured graph, strips the target relation out of it
// and derives the adjacency, feature and label matrices.
func Prepare(cfg *config.Config, logger *slog.Logger) (*archive.Bundle, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Graph.File == "" {
		return nil, coreerrors.Newf(coreerrors.ErrInvalidConfig, "prepare", "graph.file is not set")
	}
	if cfg.Graph.TargetRelation == "" {
		return nil, coreerrors.Newf(coreerrors.ErrInvalidConfig, "prepare", "graph.target_relation is not set")
	}

	logger.Info("reading graph", "path", cfg.Graph.File)
	g, err := kg.ReadFile(cfg.Graph.File)
	if err != nil {
		return nil, coreerrors.Newf(coreerrors.ErrUnreadablePath, "prepare", "%s: %v", cfg.Graph.File, err)
	}
	return FromGraph(g, cfg.Graph.TargetRelation, cfg.Graph.InverseRelations, logger)
}

// FromGraph builds training inputs from an in-memory graph. Statements with
// the target predicate become labels; every other statement contributes to
// the relation matrices.
func FromGraph(g *kg.Graph, target string, inverse bool, logger *slog.Logger) (*archive.Bundle, error) {
	if logger == nil {
		logger = slog.Default()
	}
	targets, rest := g.Strip(target)
	logger.Info("stripped target relation", "relation", target, "targets", len(targets), "remaining", rest.Len())

	ds, err := dataset.Build(rest.Atoms(), targets, logger)
	if err != nil {
		return nil, err
	}

	supports, err := kg.Adjacency(rest, ds.NodeIndex, kg.StructureOptions{Inverse: inverse})
	if err != nil {
		return nil, coreerrors.Newf(coreerrors.ErrShapeMismatch, "prepare", "%v", err)
	}
	if len(supports) == 0 {
		return nil, coreerrors.Newf(coreerrors.ErrShapeMismatch, "prepare", "graph has no relations besides %s", target)
	}
	logger.Info("built relation matrices", "nodes", ds.NumNodes(), "relations", len(supports), "classes", ds.NumClasses())

	return &archive.Bundle{
		Supports: supports,
		X:        ds.X,
		Y:        ds.Y,
		Labeled:  ds.Labeled,
		Nodes:    ds.Nodes,
		Classes:  ds.Classes,
	}, nil
}

// ModelSpec translates the model section of cfg into a stack spec.
func ModelSpec(cfg *config.Config) (rgcn.Spec, error) {
	spec := rgcn.Spec{
		Loss:         cfg.Model.Loss,
		LearningRate: cfg.Model.LearningRate,
		Seed:         cfg.Model.Seed,
		Workers:      cfg.Model.Workers,
	}
	last := len(cfg.Model.Layers) - 1
	for i, l := range cfg.Model.Layers {
		act, err := rgcn.ParseActivation(l.Activation)
		if err != nil {
			return rgcn.Spec{}, coreerrors.Newf(coreerrors.ErrInvalidConfig, "model", "layer %d: %v", i, err)
		}
		ls := rgcn.LayerSpec{
			OutputDim:   l.HiddenNodes,
			NumBases:    l.NumBases,
			Featureless: l.Featureless,
			Activation:  act,
			Dropout:     l.Dropout,
			L2:          l.L2Norm,
			Bias:        l.Bias,
		}
		if i == last {
			ls.OutputDim = 0
		}
		spec.Layers = append(spec.Layers, ls)
	}
	return spec, nil
}

// BuildModel compiles a stack for the bundle's graph.
func BuildModel(cfg *config.Config, b *archive.Bundle, logger *slog.Logger) (*rgcn.Stack, error) {
	spec, err := ModelSpec(cfg)
	if err != nil {
		return nil, err
	}
	return rgcn.Compile(spec, b.X, b.Supports, len(b.Classes), rgcn.WithLogger(logger))
}

// Splits partitions the bundle's labeled nodes using the task settings.
func Splits(cfg *config.Config, b *archive.Bundle) (*dataset.Splits, error) {
	return dataset.Split(b.Labeled, b.Y, cfg.Ratios(), cfg.Task.Seed)
}

// WritePredictions writes one tab-separated row per node: node label,
// predicted class, its probability and the split the node belongs to.
func WritePredictions(w io.Writer, b *archive.Bundle, preds mat.Matrix, splits *dataset.Splits) error {
	n, c := preds.Dims()
	if n != len(b.Nodes) || c != len(b.Classes) {
		return coreerrors.Newf(coreerrors.ErrShapeMismatch, "predictions", "predictions are %dx%d for %d nodes and %d classes", n, c, len(b.Nodes), len(b.Classes))
	}

	membership := make(map[int]string)
	if splits != nil {
		for name, sub := range map[string]dataset.Subset{"train": splits.Train, "val": splits.Val, "test": splits.Test} {
			for _, i := range sub.Indices {
				membership[i] = name
			}
		}
	}

	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	if err := cw.Write([]string{"node", "prediction", "confidence", "split"}); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	row := make([]float64, c)
	for i, node := range b.Nodes {
		mat.Row(row, i, preds)
		best := floats.MaxIdx(row)
		split := membership[i]
		if split == "" {
			split = "unlabeled"
		}
		record := []string{node, b.Classes[best], strconv.FormatFloat(row[best], 'f', 4, 64), split}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("writing %s: %w", node, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
