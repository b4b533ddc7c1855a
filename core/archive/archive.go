// Package archive stores prepared training inputs and model snapshots.
//
// A prepared input is a gzip-compressed tar stream with one msgpack member
// per matrix plus a manifest carrying node and class labels. It lets the
// graph parsing and adjacency construction run once and be reused across
// training runs.
package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/vmihailenco/msgpack/v5"

	coreerrors "github.com/SPINLab/mrgcn/core/errors"
	"github.com/SPINLab/mrgcn/core/sparse"
)

const (
	formatVersion  = 1
	manifestMember = "manifest.msgpack"
	featuresMember = "X.msgpack"
	labelsMember   = "Y.msgpack"
)

// Bundle is everything training needs from the graph.
type Bundle struct {
	Supports []*sparse.CSR
	X        *sparse.CSR
	Y        *sparse.CSR
	Labeled  []int
	Nodes    []string
	Classes  []string
}

type manifest struct {
	Version  int      `msgpack:"version"`
	Created  int64    `msgpack:"created"`
	Supports int      `msgpack:"supports"`
	Labeled  []int    `msgpack:"labeled"`
	Nodes    []string `msgpack:"nodes"`
	Classes  []string `msgpack:"classes"`
}

type matrixRecord struct {
	Rows int       `msgpack:"rows"`
	Cols int       `msgpack:"cols"`
	Row  []int     `msgpack:"row"`
	Col  []int     `msgpack:"col"`
	Val  []float64 `msgpack:"val"`
}

func supportMember(r int) string { return fmt.Sprintf("A/%04d.msgpack", r) }

// Write stores b at path. The file appears only once it is complete.
func Write(path string, b *Bundle) error {
	return writeAtomic(path, func(w io.Writer) error { return Encode(w, b) })
}

// Read loads and validates the bundle at path.
func Read(path string) (*Bundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, coreerrors.Newf(coreerrors.ErrUnreadablePath, "archive", "%s: %v", path, err)
	}
	defer f.Close()

	b, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return b, nil
}

// Encode writes b to w as gzip-compressed tar.
func Encode(w io.Writer, b *Bundle) error {
	if err := b.validate(); err != nil {
		return err
	}

	zw := gzip.NewWriter(w)
	tw := tar.NewWriter(zw)

	m := manifest{
		Version:  formatVersion,
		Created:  time.Now().Unix(),
		Supports: len(b.Supports),
		Labeled:  b.Labeled,
		Nodes:    b.Nodes,
		Classes:  b.Classes,
	}
	if err := writeMember(tw, manifestMember, m); err != nil {
		return err
	}
	if err := writeMember(tw, featuresMember, toRecord(b.X)); err != nil {
		return err
	}
	if err := writeMember(tw, labelsMember, toRecord(b.Y)); err != nil {
		return err
	}
	for r, a := range b.Supports {
		if err := writeMember(tw, supportMember(r), toRecord(a)); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing tar stream: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("closing gzip stream: %w", err)
	}
	return nil
}

// Decode reads a bundle written by Encode and checks that its shapes agree.
func Decode(r io.Reader) (*Bundle, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, coreerrors.Newf(coreerrors.ErrCorruptArchive, "archive", "gzip: %v", err)
	}
	defer zr.Close()

	members := make(map[string][]byte)
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, coreerrors.Newf(coreerrors.ErrCorruptArchive, "archive", "tar: %v", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, coreerrors.Newf(coreerrors.ErrCorruptArchive, "archive", "%s: %v", hdr.Name, err)
		}
		members[hdr.Name] = data
	}

	var m manifest
	if err := readMember(members, manifestMember, &m); err != nil {
		return nil, err
	}
	if m.Version != formatVersion {
		return nil, coreerrors.Newf(coreerrors.ErrCorruptArchive, "archive", "unsupported format version %d", m.Version)
	}

	b := &Bundle{Labeled: m.Labeled, Nodes: m.Nodes, Classes: m.Classes}
	if b.X, err = readMatrix(members, featuresMember); err != nil {
		return nil, err
	}
	if b.Y, err = readMatrix(members, labelsMember); err != nil {
		return nil, err
	}
	for i := 0; i < m.Supports; i++ {
		a, err := readMatrix(members, supportMember(i))
		if err != nil {
			return nil, err
		}
		b.Supports = append(b.Supports, a)
	}

	if err := b.validate(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Bundle) validate() error {
	const op = "archive"
	if b.X == nil || b.Y == nil {
		return coreerrors.Newf(coreerrors.ErrShapeMismatch, op, "missing feature or label matrix")
	}
	n := len(b.Nodes)
	if xr, _ := b.X.Dims(); xr != n {
		return coreerrors.Newf(coreerrors.ErrShapeMismatch, op, "X has %d rows for %d nodes", xr, n)
	}
	if yr, yc := b.Y.Dims(); yr != n || yc != len(b.Classes) {
		return coreerrors.Newf(coreerrors.ErrShapeMismatch, op, "Y is %dx%d, want %dx%d", yr, yc, n, len(b.Classes))
	}
	if len(b.Supports) == 0 {
		return coreerrors.Newf(coreerrors.ErrShapeMismatch, op, "no relation matrices")
	}
	for r, a := range b.Supports {
		if ar, ac := a.Dims(); ar != n || ac != n {
			return coreerrors.Newf(coreerrors.ErrShapeMismatch, op, "relation %d is %dx%d, want %dx%d", r, ar, ac, n, n)
		}
	}
	for _, i := range b.Labeled {
		if i < 0 || i >= n {
			return coreerrors.Newf(coreerrors.ErrShapeMismatch, op, "labeled index %d outside %d nodes", i, n)
		}
	}
	return nil
}

func toRecord(m *sparse.CSR) matrixRecord {
	rows, cols := m.Dims()
	r, c, v := m.Triplets()
	return matrixRecord{Rows: rows, Cols: cols, Row: r, Col: c, Val: v}
}

func writeMember(tw *tar.Writer, name string, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}
	hdr := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(data)),
		ModTime:  time.Now(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing %s header: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

func readMember(members map[string][]byte, name string, v any) error {
	data, ok := members[name]
	if !ok {
		return coreerrors.Newf(coreerrors.ErrCorruptArchive, "archive", "missing member %s", name)
	}
	if err := msgpack.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return coreerrors.Newf(coreerrors.ErrCorruptArchive, "archive", "%s: %v", name, err)
	}
	return nil
}

func readMatrix(members map[string][]byte, name string) (*sparse.CSR, error) {
	var rec matrixRecord
	if err := readMember(members, name, &rec); err != nil {
		return nil, err
	}
	m, err := sparse.FromTriplets(rec.Rows, rec.Cols, rec.Row, rec.Col, rec.Val)
	if err != nil {
		return nil, coreerrors.Newf(coreerrors.ErrCorruptArchive, "archive", "%s: %v", name, err)
	}
	return m, nil
}

// writeAtomic streams into a temporary file next to path and renames it into
// place once fn and the close both succeed.
func writeAtomic(path string, fn func(io.Writer) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return coreerrors.Newf(coreerrors.ErrUnwritablePath, "archive", "%s: %v", path, err)
	}
	defer os.Remove(tmp.Name())

	if err := fn(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return coreerrors.Newf(coreerrors.ErrUnwritablePath, "archive", "%s: %v", path, err)
	}
	return nil
}
