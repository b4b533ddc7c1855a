package task

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SPINLab/mrgcn/core/archive"
	"github.com/SPINLab/mrgcn/core/config"
	coreerrors "github.com/SPINLab/mrgcn/core/errors"
	"github.com/SPINLab/mrgcn/core/kg"
	"github.com/SPINLab/mrgcn/core/train"
)

const typePredicate = "<http://www.w3.org/1999/02/22-rdf-syntax-ns#type>"

// toyGraph links people to organisations and robots to factories; people
// and robots carry a type statement.
func toyGraph() string {
	var b strings.Builder
	for i := 0; i < 12; i++ {
		class, hub, rel := "<Person>", "<org>", "<worksFor>"
		if i%2 == 1 {
			class, hub, rel = "<Robot>", "<factory>", "<builtBy>"
		}
		fmt.Fprintf(&b, "<n%d> %s %s .\n", i, rel, hub)
		fmt.Fprintf(&b, "<n%d> <knows> <n%d> .\n", i, (i+2)%12)
		fmt.Fprintf(&b, "<n%d> %s %s .\n", i, typePredicate, class)
	}
	return b.String()
}

func testConfig(t *testing.T, graphPath string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Graph.File = graphPath
	cfg.Graph.TargetRelation = typePredicate
	cfg.Task.DatasetRatio = []float64{0.5, 0.25, 0.25}
	cfg.Model.Epoch = 30
	cfg.Model.LearningRate = 0.05
	cfg.Model.Layers[0].Dropout = 0
	require.NoError(t, cfg.Validate())
	return cfg
}

func writeGraph(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "toy.nt")
	require.NoError(t, os.WriteFile(path, []byte(toyGraph()), 0o644))
	return path
}

func TestPrepare(t *testing.T) {
	cfg := testConfig(t, writeGraph(t))
	b, err := Prepare(cfg, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"<Person>", "<Robot>"}, b.Classes)
	assert.Len(t, b.Labeled, 12)
	assert.Len(t, b.Nodes, 14, "twelve entities plus two hubs")
	assert.Len(t, b.Supports, 6, "three predicates and their inverses")
	assert.True(t, b.X.IsIdentity())
}

func TestPrepareErrors(t *testing.T) {
	cfg := testConfig(t, "")
	_, err := Prepare(cfg, nil)
	assert.ErrorIs(t, err, coreerrors.ErrInvalidConfig)

	cfg = testConfig(t, filepath.Join(t.TempDir(), "missing.nt"))
	_, err = Prepare(cfg, nil)
	assert.ErrorIs(t, err, coreerrors.ErrUnreadablePath)

	g, err := kg.Read(strings.NewReader("<a> <p> <b> .\n"), kg.FormatNTriples)
	require.NoError(t, err)
	_, err = FromGraph(g, typePredicate, true, nil)
	assert.ErrorIs(t, err, coreerrors.ErrNoTargets)

	g, err = kg.Read(strings.NewReader("<a> "+typePredicate+" <C> .\n"), kg.FormatNTriples)
	require.NoError(t, err)
	_, err = FromGraph(g, typePredicate, true, nil)
	assert.Error(t, err)
}

func TestModelSpec(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Model.Layers[1].HiddenNodes = 99

	spec, err := ModelSpec(cfg)
	require.NoError(t, err)
	require.Len(t, spec.Layers, 2)
	assert.Equal(t, 16, spec.Layers[0].OutputDim)
	assert.True(t, spec.Layers[0].Featureless)
	assert.Zero(t, spec.Layers[1].OutputDim, "final width follows the class count")
	assert.Equal(t, cfg.Model.LearningRate, spec.LearningRate)
}

func TestEndToEnd(t *testing.T) {
	cfg := testConfig(t, writeGraph(t))
	b, err := Prepare(cfg, nil)
	require.NoError(t, err)

	// Going through the archive exercises the same path as `train -i`.
	path := filepath.Join(t.TempDir(), "toy.tar.gz")
	require.NoError(t, archive.Write(path, b))
	b, err = archive.Read(path)
	require.NoError(t, err)

	stack, err := BuildModel(cfg, b, nil)
	require.NoError(t, err)
	splits, err := Splits(cfg, b)
	require.NoError(t, err)

	tr, err := train.New(stack, *splits, train.Config{Epochs: cfg.Model.Epoch, Output: io.Discard})
	require.NoError(t, err)
	res, err := tr.Run(context.Background())
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, WritePredictions(&out, b, res.Predictions, splits))

	r := csv.NewReader(&out)
	r.Comma = '\t'
	records, err := r.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, len(b.Nodes)+1)
	assert.Equal(t, []string{"node", "prediction", "confidence", "split"}, records[0])

	counts := map[string]int{}
	for _, rec := range records[1:] {
		counts[rec[3]]++
		assert.Contains(t, b.Classes, rec[1])
	}
	assert.Equal(t, 6, counts["train"])
	assert.Equal(t, 3, counts["val"])
	assert.Equal(t, 3, counts["test"])
	assert.Equal(t, 2, counts["unlabeled"])
}
