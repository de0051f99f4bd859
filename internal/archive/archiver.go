// Package archive ingests print files into the local archive directory and
// records them in the store.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"bambu-farm/internal/store"
)

// RecordStore is the part of the store the archiver writes to.
type RecordStore interface {
	SaveArchive(a *store.ArchiveRecord) error
}

// Source describes where an archived file came from.
type Source struct {
	Kind      string // "virtual", "printer"
	PrinterID string
}

// Archiver copies files into Dir/<id>/<name> and records size and SHA256.
type Archiver struct {
	dir     string
	records RecordStore
	logger  *slog.Logger
}

func New(dir string, records RecordStore, logger *slog.Logger) *Archiver {
	return &Archiver{dir: dir, records: records, logger: logger.With("component", "archive")}
}

// Archive ingests sourcePath and returns the archive id. The source file is
// left in place; the caller decides whether to delete it.
func (a *Archiver) Archive(ctx context.Context, sourcePath string) (string, error) {
	return a.ArchiveFrom(ctx, sourcePath, Source{Kind: "virtual"})
}

// ArchiveFrom is Archive with provenance attached to the record.
func (a *Archiver) ArchiveFrom(ctx context.Context, sourcePath string, src Source) (string, error) {
	in, err := os.Open(sourcePath)
	if err != nil {
		return "", fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	id := uuid.NewString()
	name := filepath.Base(sourcePath)
	destDir := filepath.Join(a.dir, id)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}
	dest := filepath.Join(destDir, name)

	out, err := os.Create(dest)
	if err != nil {
		os.RemoveAll(destDir)
		return "", fmt.Errorf("create archive file: %w", err)
	}

	hasher := sha256.New()
	n, copyErr := io.Copy(io.MultiWriter(out, hasher), &ctxReader{ctx: ctx, r: in})
	if err := out.Close(); copyErr == nil {
		copyErr = err
	}
	if copyErr != nil {
		os.RemoveAll(destDir)
		return "", fmt.Errorf("copy %s: %w", name, copyErr)
	}

	rec := &store.ArchiveRecord{
		ID:        id,
		Filename:  name,
		Path:      dest,
		Size:      n,
		SHA256:    hex.EncodeToString(hasher.Sum(nil)),
		Source:    src.Kind,
		PrinterID: src.PrinterID,
	}
	if err := a.records.SaveArchive(rec); err != nil {
		os.RemoveAll(destDir)
		return "", fmt.Errorf("save archive record: %w", err)
	}
	a.logger.Info("file archived", "id", id, "file", name, "bytes", n, "source", src.Kind)
	return id, nil
}

// IsProjectFile reports whether name is something worth archiving as a
// print job.
func IsProjectFile(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".3mf") || strings.HasSuffix(lower, ".gcode")
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
