// Package dataset turns target statements into the label matrix and feature
// placeholder of a node-classification task, and partitions labeled nodes
// into train/validation/test splits.
package dataset

import (
	"log/slog"
	"sort"

	coreerrors "github.com/SPINLab/mrgcn/core/errors"
	"github.com/SPINLab/mrgcn/core/kg"
	"github.com/SPINLab/mrgcn/core/sparse"
)

// Dataset is the node-indexed view of a classification task.
type Dataset struct {
	// X is the N×F feature matrix; the N×N identity in featureless mode.
	X *sparse.CSR
	// Y is the N×C one-hot label matrix.
	Y *sparse.CSR

	Nodes      []string
	NodeIndex  map[string]int
	Classes    []string
	ClassIndex map[string]int

	// Labeled lists each labeled node index once, in target order.
	Labeled []int
}

// NumNodes returns N.
func (d *Dataset) NumNodes() int { return len(d.Nodes) }

// NumClasses returns C.
func (d *Dataset) NumClasses() int { return len(d.Classes) }

// Build enumerates every graph node, every class appearing among targets and
// sets Y[node, class] = 1 for each target statement (subject = node, object =
// class). A target whose node is not in nodes is a data-consistency error.
func Build(nodes []string, targets []kg.Triple, logger *slog.Logger) (*Dataset, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(nodes) == 0 {
		return nil, coreerrors.Newf(coreerrors.ErrShapeMismatch, "build dataset", "empty node universe")
	}
	if len(targets) == 0 {
		return nil, coreerrors.Newf(coreerrors.ErrNoTargets, "build dataset", "no target statements")
	}

	nodeIndex := make(map[string]int, len(nodes))
	for i, n := range nodes {
		if _, dup := nodeIndex[n]; dup {
			return nil, coreerrors.Newf(coreerrors.ErrShapeMismatch, "build dataset", "node %q listed twice", n)
		}
		nodeIndex[n] = i
	}

	classSet := make(map[string]struct{})
	for _, t := range targets {
		classSet[t.Object] = struct{}{}
	}
	classes := make([]string, 0, len(classSet))
	for c := range classSet {
		classes = append(classes, c)
	}
	sort.Strings(classes)
	classIndex := make(map[string]int, len(classes))
	for i, c := range classes {
		classIndex[c] = i
	}

	logger.Info("dataset targets", "instances", len(targets), "classes", len(classes))
	logger.Debug("dataset classes", "labels", classes)

	entries := make([]sparse.Entry, 0, len(targets))
	seenEntry := make(map[[2]int]struct{}, len(targets))
	seenNode := make(map[int]struct{}, len(targets))
	labeled := make([]int, 0, len(targets))
	for _, t := range targets {
		row, ok := nodeIndex[t.Subject]
		if !ok {
			return nil, coreerrors.Newf(coreerrors.ErrUnknownNode, "build dataset", "target node %q is not in the graph", t.Subject)
		}
		col := classIndex[t.Object]

		key := [2]int{row, col}
		if _, dup := seenEntry[key]; dup {
			continue
		}
		seenEntry[key] = struct{}{}
		entries = append(entries, sparse.Entry{Row: row, Col: col, Value: 1})

		if _, dup := seenNode[row]; !dup {
			seenNode[row] = struct{}{}
			labeled = append(labeled, row)
		}
	}
	if len(labeled) < len(entries) {
		logger.Warn("nodes with more than one class", "labeled_nodes", len(labeled), "labels", len(entries))
	}

	y, err := sparse.New(len(nodes), len(classes), entries)
	if err != nil {
		return nil, err
	}

	return &Dataset{
		X:          sparse.Identity(len(nodes)),
		Y:          y,
		Nodes:      append([]string(nil), nodes...),
		NodeIndex:  nodeIndex,
		Classes:    classes,
		ClassIndex: classIndex,
		Labeled:    labeled,
	}, nil
}
