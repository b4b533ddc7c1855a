package kg

import (
	"fmt"

	"github.com/SPINLab/mrgcn/core/sparse"
)

// StructureOptions controls adjacency construction.
type StructureOptions struct {
	// Inverse adds one matrix per predicate for the reverse direction.
	Inverse bool
}

// Adjacency builds one row-normalised N×N matrix per predicate (sorted by
// name), followed by the inverse-direction matrices when requested. Triples
// touching a node outside nodeIndex are an error.
func Adjacency(g *Graph, nodeIndex map[string]int, opts StructureOptions) ([]*sparse.CSR, error) {
	n := len(nodeIndex)
	preds := g.Predicates()
	slot := make(map[string]int, len(preds))
	for i, p := range preds {
		slot[p] = i
	}

	forward := make([][]sparse.Entry, len(preds))
	for _, t := range g.triples {
		s, ok := nodeIndex[t.Subject]
		if !ok {
			return nil, fmt.Errorf("subject %q not in node index", t.Subject)
		}
		o, ok := nodeIndex[t.Object]
		if !ok {
			return nil, fmt.Errorf("object %q not in node index", t.Object)
		}
		k := slot[t.Predicate]
		forward[k] = append(forward[k], sparse.Entry{Row: s, Col: o, Value: 1})
	}

	support := make([]*sparse.CSR, 0, 2*len(preds))
	for _, entries := range forward {
		a, err := sparse.New(n, n, entries)
		if err != nil {
			return nil, err
		}
		support = append(support, a.RowNormalize())
	}

	if opts.Inverse {
		for _, entries := range forward {
			inv := make([]sparse.Entry, len(entries))
			for i, e := range entries {
				inv[i] = sparse.Entry{Row: e.Col, Col: e.Row, Value: e.Value}
			}
			a, err := sparse.New(n, n, inv)
			if err != nil {
				return nil, err
			}
			support = append(support, a.RowNormalize())
		}
	}
	return support, nil
}
