// Package fetch downloads transcript packages from object storage, extracts
// them into per-job scratch directories, and enforces the package layout
// contract. It also archives processed packages.
package fetch

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/recallio/audio-ingest/pkg/config"
	"github.com/recallio/audio-ingest/pkg/errcode"
	"github.com/recallio/audio-ingest/pkg/models"
)

// Extraction caps from the package contract. The compressed archive cap is
// configurable; these two are fixed.
const (
	maxMemberBytes int64 = 2 << 30
	maxTotalBytes  int64 = 5 << 30
)

// allowedSubtrees are the optional directories a package may carry next to
// conversation.json and the checksum manifest.
var allowedSubtrees = map[string]bool{
	"media":     true,
	"artifacts": true,
	"logs":      true,
}

// Package is a downloaded and extracted transcript package. Callers must
// Cleanup after processing, on every exit path.
type Package struct {
	// ArchivePath is the downloaded compressed archive on local disk.
	ArchivePath string
	// RootDir is the extracted top-level directory, named after the
	// external event id.
	RootDir string
	// ArchiveSize is the compressed size in bytes.
	ArchiveSize int64
	// TotalSize is the extracted size in bytes.
	TotalSize int64

	scratch string
}

// Cleanup removes all local files belonging to this package.
func (p *Package) Cleanup() {
	if p.scratch == "" {
		return
	}
	if err := os.RemoveAll(p.scratch); err != nil {
		slog.Warn("Failed to remove package scratch directory", "dir", p.scratch, "error", err)
	}
	p.scratch = ""
}

// Fetcher downloads and extracts packages.
type Fetcher struct {
	store           ObjectStore
	archiveBucket   string
	archiveEnabled  bool
	maxArchiveBytes int64

	now func() time.Time
}

// NewFetcher creates a Fetcher over the given store.
func NewFetcher(store ObjectStore, minioCfg config.MinIOConfig, maxArchiveBytes int64) *Fetcher {
	return &Fetcher{
		store:           store,
		archiveBucket:   minioCfg.ArchiveBucket,
		archiveEnabled:  minioCfg.ArchiveEnabled,
		maxArchiveBytes: maxArchiveBytes,
		now:             time.Now,
	}
}

// Fetch downloads the event's package, extracts it, and validates the layout
// contract: a single top-level directory named after the event, with only
// the allowed subtrees at depth two or less. The scratch directory is removed
// on every error path.
func (f *Fetcher) Fetch(ctx context.Context, ev *models.Event) (pkg *Package, err error) {
	scratch, err := os.MkdirTemp("", "ingest-"+ev.ExternalEventID+"-")
	if err != nil {
		return nil, errcode.New(errcode.ProcessingFailure, errcode.StageDownload,
			fmt.Errorf("creating scratch dir: %w", err))
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(scratch)
		}
	}()

	archivePath := filepath.Join(scratch, "package.tar.gz")
	archiveSize, err := f.download(ctx, ev, archivePath)
	if err != nil {
		return nil, err
	}

	extractDir := filepath.Join(scratch, "extracted")
	totalSize, err := extractArchive(ctx, archivePath, extractDir)
	if err != nil {
		return nil, err
	}

	rootDir, err := findPackageRoot(extractDir, ev.ExternalEventID)
	if err != nil {
		return nil, err
	}
	if err = checkLayout(rootDir); err != nil {
		return nil, err
	}

	return &Package{
		ArchivePath: archivePath,
		RootDir:     rootDir,
		ArchiveSize: archiveSize,
		TotalSize:   totalSize,
		scratch:     scratch,
	}, nil
}

// Archive copies the original package into the archive bucket under a
// date-partitioned key. Best effort: callers log failures and move on.
// Returns the archive key, or "" when archival is disabled.
func (f *Fetcher) Archive(ctx context.Context, ev *models.Event, jobID string) (string, error) {
	if !f.archiveEnabled {
		return "", nil
	}
	key := fmt.Sprintf("%s/%s/%s", f.now().UTC().Format("2006/01/02"), jobID, ev.ObjectKey)
	if err := f.store.Copy(ctx, ev.Bucket, ev.ObjectKey, f.archiveBucket, key); err != nil {
		return "", err
	}
	return key, nil
}

func (f *Fetcher) download(ctx context.Context, ev *models.Event, destPath string) (int64, error) {
	rc, size, err := f.store.Get(ctx, ev.Bucket, ev.ObjectKey)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	if f.maxArchiveBytes > 0 && size > f.maxArchiveBytes {
		return 0, errcode.Newf(errcode.PayloadTooLarge, errcode.StageDownload,
			"package is %d bytes, cap is %d", size, f.maxArchiveBytes)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return 0, errcode.New(errcode.ProcessingFailure, errcode.StageDownload,
			fmt.Errorf("creating archive file: %w", err))
	}

	src := io.Reader(rc)
	if f.maxArchiveBytes > 0 {
		// One extra byte so an understated Stat size is still caught.
		src = io.LimitReader(rc, f.maxArchiveBytes+1)
	}
	written, err := io.Copy(out, src)
	if err != nil {
		_ = out.Close()
		return 0, classifyStoreError(err)
	}
	if err := out.Close(); err != nil {
		return 0, errcode.New(errcode.ProcessingFailure, errcode.StageDownload,
			fmt.Errorf("closing archive file: %w", err))
	}
	if f.maxArchiveBytes > 0 && written > f.maxArchiveBytes {
		return 0, errcode.Newf(errcode.PayloadTooLarge, errcode.StageDownload,
			"package exceeds the %d byte cap", f.maxArchiveBytes)
	}
	return written, nil
}

// extractArchive unpacks a tar.gz into destDir. Entries must stay under
// destDir; symlinks, hard links, and device nodes are skipped. Member and
// total size caps apply.
func extractArchive(ctx context.Context, archivePath, destDir string) (int64, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return 0, errcode.New(errcode.ProcessingFailure, errcode.StageDownload,
			fmt.Errorf("opening archive: %w", err))
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return 0, errcode.Newf(errcode.ValidationError, errcode.StageDownload,
			"package is not a valid gzip archive: %v", err)
	}
	defer gz.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return 0, errcode.New(errcode.ProcessingFailure, errcode.StageDownload, err)
	}

	cleanDest := filepath.Clean(destDir)
	tr := tar.NewReader(gz)
	var total int64

	for {
		if err := ctx.Err(); err != nil {
			return 0, errcode.Classify(err, errcode.StageDownload)
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, errcode.Newf(errcode.ValidationError, errcode.StageDownload,
				"package tar stream is corrupt: %v", err)
		}

		name := filepath.FromSlash(hdr.Name)
		if name == "." || name == "" {
			continue
		}
		target := filepath.Join(cleanDest, name)
		if filepath.IsAbs(name) || !strings.HasPrefix(target, cleanDest+string(os.PathSeparator)) {
			return 0, errcode.Newf(errcode.ValidationError, errcode.StageDownload,
				"package member %q escapes the extraction root", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return 0, errcode.New(errcode.ProcessingFailure, errcode.StageDownload, err)
			}
		case tar.TypeReg:
			if hdr.Size > maxMemberBytes {
				return 0, errcode.Newf(errcode.PayloadTooLarge, errcode.StageDownload,
					"package member %q is %d bytes, member cap is %d", hdr.Name, hdr.Size, maxMemberBytes)
			}
			written, err := writeMember(target, tr)
			if err != nil {
				return 0, err
			}
			total += written
			if total > maxTotalBytes {
				return 0, errcode.Newf(errcode.PayloadTooLarge, errcode.StageDownload,
					"package exceeds the %d byte extracted cap", maxTotalBytes)
			}
		default:
			slog.Debug("Skipping non-regular package member", "name", hdr.Name, "type", hdr.Typeflag)
		}
	}

	return total, nil
}

func writeMember(target string, tr *tar.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, errcode.New(errcode.ProcessingFailure, errcode.StageDownload, err)
	}
	out, err := os.Create(target)
	if err != nil {
		return 0, errcode.New(errcode.ProcessingFailure, errcode.StageDownload, err)
	}
	written, err := io.Copy(out, tr)
	if err != nil {
		_ = out.Close()
		return 0, errcode.Newf(errcode.ValidationError, errcode.StageDownload,
			"package tar stream is corrupt: %v", err)
	}
	if err := out.Close(); err != nil {
		return 0, errcode.New(errcode.ProcessingFailure, errcode.StageDownload, err)
	}
	return written, nil
}

// findPackageRoot asserts the single-top-level-directory contract and that
// the directory is named after the external event id.
func findPackageRoot(extractDir, externalEventID string) (string, error) {
	entries, err := os.ReadDir(extractDir)
	if err != nil {
		return "", errcode.New(errcode.ProcessingFailure, errcode.StageDownload, err)
	}
	if len(entries) != 1 || !entries[0].IsDir() {
		return "", errcode.Newf(errcode.ValidationError, errcode.StageDownload,
			"package must contain exactly one top-level directory, found %d entries", len(entries))
	}
	if entries[0].Name() != externalEventID {
		return "", errcode.Newf(errcode.ValidationError, errcode.StageDownload,
			"top-level directory %q does not match external_event_id %q", entries[0].Name(), externalEventID)
	}
	return filepath.Join(extractDir, entries[0].Name()), nil
}

// checkLayout enforces the file layout inside the package root: files at the
// top level, or under media/, artifacts/, logs/ nested at most two levels.
func checkLayout(rootDir string) error {
	return filepath.WalkDir(rootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return errcode.New(errcode.ProcessingFailure, errcode.StageDownload, err)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(rootDir, path)
		if err != nil {
			return errcode.New(errcode.ProcessingFailure, errcode.StageDownload, err)
		}
		segments := strings.Split(filepath.ToSlash(rel), "/")
		if len(segments) == 1 {
			return nil
		}
		if !allowedSubtrees[segments[0]] {
			return errcode.Newf(errcode.ValidationError, errcode.StageDownload,
				"unexpected package subtree %q", segments[0])
		}
		// Subtree root plus at most two nesting levels.
		if len(segments) > 3 {
			return errcode.Newf(errcode.ValidationError, errcode.StageDownload,
				"package member %s nests deeper than the allowed two levels", rel)
		}
		return nil
	})
}
