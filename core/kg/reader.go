package kg

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Format selects the line syntax of a graph file.
type Format int

const (
	// FormatNTriples reads `<s> <p> <o> .` lines; objects may be literals.
	FormatNTriples Format = iota
	// FormatTSV reads three tab-separated columns.
	FormatTSV
)

// FormatFor picks the format from a file name, ignoring a trailing .gz.
func FormatFor(path string) Format {
	name := strings.TrimSuffix(strings.ToLower(path), ".gz")
	switch filepath.Ext(name) {
	case ".tsv", ".txt":
		return FormatTSV
	default:
		return FormatNTriples
	}
}

// ReadFile loads a graph from disk. Files ending in .gz are decompressed.
func ReadFile(path string) (*Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		gzr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer gzr.Close()
		r = gzr
	}

	return Read(r, FormatFor(path))
}

// Read parses triples from r. Blank lines and lines starting with '#' are
// skipped.
func Read(r io.Reader, format Format) (*Graph, error) {
	g := &Graph{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)

	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		var (
			t   Triple
			err error
		)
		switch format {
		case FormatTSV:
			t, err = parseTSV(text)
		default:
			t, err = parseNTriple(text)
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		g.triples = append(g.triples, t)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return g, nil
}

func parseTSV(line string) (Triple, error) {
	parts := strings.Split(line, "\t")
	if len(parts) != 3 {
		return Triple{}, fmt.Errorf("expected 3 tab-separated columns, got %d", len(parts))
	}
	return Triple{Subject: parts[0], Predicate: parts[1], Object: parts[2]}, nil
}

func parseNTriple(line string) (Triple, error) {
	rest := strings.TrimSpace(line)
	if !strings.HasSuffix(rest, ".") {
		return Triple{}, fmt.Errorf("statement does not end with '.'")
	}
	rest = strings.TrimSpace(strings.TrimSuffix(rest, "."))

	terms := make([]string, 0, 3)
	for len(terms) < 3 {
		term, tail, err := nextTerm(rest)
		if err != nil {
			return Triple{}, err
		}
		terms = append(terms, term)
		rest = strings.TrimSpace(tail)
	}
	if rest != "" {
		return Triple{}, fmt.Errorf("unexpected trailing content %q", rest)
	}
	return Triple{Subject: terms[0], Predicate: terms[1], Object: terms[2]}, nil
}

// nextTerm splits one IRI, blank node or literal off the front of s. Terms are
// returned verbatim (brackets and quotes included) so that an IRI and a
// literal with the same text stay distinct nodes.
func nextTerm(s string) (string, string, error) {
	if s == "" {
		return "", "", fmt.Errorf("missing term")
	}
	switch s[0] {
	case '<':
		end := strings.IndexByte(s, '>')
		if end < 0 {
			return "", "", fmt.Errorf("unterminated IRI")
		}
		return s[:end+1], s[end+1:], nil
	case '"':
		i := 1
		for ; i < len(s); i++ {
			if s[i] == '\\' {
				i++
				continue
			}
			if s[i] == '"' {
				break
			}
		}
		if i >= len(s) {
			return "", "", fmt.Errorf("unterminated literal")
		}
		end := i + 1
		// language tag or datatype suffix
		for end < len(s) && s[end] != ' ' && s[end] != '\t' {
			end++
		}
		return s[:end], s[end:], nil
	default:
		end := strings.IndexAny(s, " \t")
		if end < 0 {
			return s, "", nil
		}
		return s[:end], s[end:], nil
	}
}
