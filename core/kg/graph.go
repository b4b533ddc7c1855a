// Package kg holds the knowledge graph as a list of triples, with the small
// amount of plumbing a training run needs: reading N-Triples or TSV files,
// enumerating nodes, pulling target statements out of the graph and building
// per-relation adjacency matrices.
package kg

import (
	"sort"
)

// Triple is a single (subject, predicate, object) statement.
type Triple struct {
	Subject   string
	Predicate string
	Object    string
}

// Graph is an in-memory list of triples. It is not safe for concurrent
// mutation.
type Graph struct {
	triples []Triple
}

// NewGraph creates a graph over a copy of triples.
func NewGraph(triples []Triple) *Graph {
	g := &Graph{triples: make([]Triple, len(triples))}
	copy(g.triples, triples)
	return g
}

// Len returns the number of triples.
func (g *Graph) Len() int { return len(g.triples) }

// Triples returns the graph's statements. The slice must not be modified.
func (g *Graph) Triples() []Triple { return g.triples }

// Atoms returns every distinct subject and object in sorted order. This is the
// node universe: labeled and unlabeled nodes alike.
func (g *Graph) Atoms() []string {
	seen := make(map[string]struct{}, len(g.triples))
	for _, t := range g.triples {
		seen[t.Subject] = struct{}{}
		seen[t.Object] = struct{}{}
	}
	atoms := make([]string, 0, len(seen))
	for a := range seen {
		atoms = append(atoms, a)
	}
	sort.Strings(atoms)
	return atoms
}

// Predicates returns the distinct predicates in sorted order.
func (g *Graph) Predicates() []string {
	seen := make(map[string]struct{})
	for _, t := range g.triples {
		seen[t.Predicate] = struct{}{}
	}
	preds := make([]string, 0, len(seen))
	for p := range seen {
		preds = append(preds, p)
	}
	sort.Strings(preds)
	return preds
}

// Strip removes every statement with the given predicate and returns them as
// targets, so that class labels cannot leak into the graph structure.
func (g *Graph) Strip(predicate string) (targets []Triple, rest *Graph) {
	rest = &Graph{triples: make([]Triple, 0, len(g.triples))}
	for _, t := range g.triples {
		if t.Predicate == predicate {
			targets = append(targets, t)
			continue
		}
		rest.triples = append(rest.triples, t)
	}
	return targets, rest
}
