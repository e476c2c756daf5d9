// Package archive streams a directory tree into a single zip archive,
// reporting entry-level progress as it goes.
package archive

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ternarybob/arbor"
)

const (
	// MinOutputBytes is the floor below which a produced archive is
	// considered a build failure rather than a degenerate success.
	MinOutputBytes = 512

	// lowRatioInputFloor is the smallest uncompressed input size for which
	// the unusual-compression-ratio warning is evaluated.
	lowRatioInputFloor = 10 * 1024
	lowRatioThreshold  = 0.01
)

// ErrTooSmall is returned when the produced archive is under MinOutputBytes.
type ErrTooSmall struct{ Size int64 }

func (e *ErrTooSmall) Error() string {
	return fmt.Sprintf("archive too small: %d bytes (floor %d)", e.Size, MinOutputBytes)
}

// Progress is an entry-count progress event emitted to a ProgressSink at a
// throttled rate during Build.
type Progress struct {
	EntriesWritten int
	EntriesTotal   int
}

// ProgressSink receives Progress events. Implementations must not block.
type ProgressSink func(Progress)

// Builder produces zip archives from a directory tree.
type Builder struct {
	deadline time.Duration
	logger   arbor.ILogger
}

// NewBuilder creates a Builder with the given overall build deadline.
func NewBuilder(deadline time.Duration, logger arbor.ILogger) *Builder {
	return &Builder{deadline: deadline, logger: logger}
}

// Build streams sourceDir into outputFile as a zip archive, relative to
// sourceDir (no absolute paths are stored). progress, if non-nil, receives
// throttled entry-count updates.
func (b *Builder) Build(ctx context.Context, sourceDir, outputFile string, progress ProgressSink) error {
	ctx, cancel := context.WithTimeout(ctx, b.deadline)
	defer cancel()

	files, totalSize, err := listFiles(sourceDir)
	if err != nil {
		return fmt.Errorf("walk source directory: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	out, err := os.Create(outputFile)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	zw.RegisterCompressor(zip.Deflate, newFastDeflateCompressor)

	written := 0
	for _, rel := range files {
		select {
		case <-ctx.Done():
			zw.Close()
			return ctx.Err()
		default:
		}

		if err := addFile(zw, sourceDir, rel); err != nil {
			zw.Close()
			return fmt.Errorf("add %s to archive: %w", rel, err)
		}

		written++
		if progress != nil && (written%25 == 0 || written == len(files)) {
			progress(Progress{EntriesWritten: written, EntriesTotal: len(files)})
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize archive: %w", err)
	}

	info, err := out.Stat()
	if err != nil {
		return fmt.Errorf("stat output file: %w", err)
	}

	if info.Size() < MinOutputBytes {
		return &ErrTooSmall{Size: info.Size()}
	}

	if totalSize > lowRatioInputFloor && float64(info.Size()) < float64(totalSize)*lowRatioThreshold {
		if b.logger != nil {
			b.logger.Warn().
				Int64("input_bytes", totalSize).
				Int64("output_bytes", info.Size()).
				Msg("unusual compression ratio")
		}
	}

	return nil
}

// listFiles walks sourceDir and returns paths relative to it, along with
// the total uncompressed byte count.
func listFiles(sourceDir string) ([]string, int64, error) {
	var files []string
	var total int64

	err := filepath.Walk(sourceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		total += info.Size()
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return files, total, nil
}

func addFile(zw *zip.Writer, sourceDir, rel string) error {
	full := filepath.Join(sourceDir, rel)

	info, err := os.Lstat(full)
	if err != nil {
		return err
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = filepath.ToSlash(rel)
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}

	f, err := os.Open(full)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(w, f)
	return err
}
