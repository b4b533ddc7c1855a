package archive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/vmihailenco/msgpack/v5"

	coreerrors "github.com/SPINLab/mrgcn/core/errors"
	"github.com/SPINLab/mrgcn/core/rgcn"
)

// WriteSnapshot stores snap at path as gzip-compressed msgpack.
func WriteSnapshot(path string, snap rgcn.Snapshot) error {
	return writeAtomic(path, func(w io.Writer) error {
		zw := gzip.NewWriter(w)
		if err := msgpack.NewEncoder(zw).Encode(&snap); err != nil {
			return fmt.Errorf("encoding snapshot: %w", err)
		}
		return zw.Close()
	})
}

// ReadSnapshot loads a snapshot written by WriteSnapshot.
func ReadSnapshot(path string) (rgcn.Snapshot, error) {
	var snap rgcn.Snapshot
	f, err := os.Open(path)
	if err != nil {
		return snap, coreerrors.Newf(coreerrors.ErrUnreadablePath, "snapshot", "%s: %v", path, err)
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return snap, coreerrors.Newf(coreerrors.ErrCorruptArchive, "snapshot", "%s: %v", path, err)
	}
	defer zr.Close()

	if err := msgpack.NewDecoder(zr).Decode(&snap); err != nil {
		return snap, coreerrors.Newf(coreerrors.ErrCorruptArchive, "snapshot", "%s: %v", path, err)
	}
	return snap, nil
}

// Checkpoints writes numbered snapshot files for one run into a directory.
type Checkpoints struct {
	dir    string
	prefix string
	logger *slog.Logger
}

// NewCheckpoints creates dir if needed. Files are named
// <prefix>-epoch-<NNNN>.snap.
func NewCheckpoints(dir, prefix string, logger *slog.Logger) (*Checkpoints, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, coreerrors.Newf(coreerrors.ErrUnwritablePath, "checkpoint", "%s: %v", dir, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checkpoints{dir: dir, prefix: prefix, logger: logger}, nil
}

// Path is the file a snapshot for epoch is written to.
func (c *Checkpoints) Path(epoch int) string {
	return filepath.Join(c.dir, fmt.Sprintf("%s-epoch-%04d.snap", c.prefix, epoch))
}

// Checkpoint writes snap. It does not block on ctx; a started write always
// completes or fails.
func (c *Checkpoints) Checkpoint(ctx context.Context, snap rgcn.Snapshot) error {
	path := c.Path(snap.Epoch)
	if err := WriteSnapshot(path, snap); err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "wrote checkpoint", "epoch", snap.Epoch, "path", path)
	return nil
}
