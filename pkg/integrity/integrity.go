// Package integrity implements the three-level checksum verification of a
// downloaded package: envelope digest format, archive digest, and the
// per-file manifest inside the extracted tree.
package integrity

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/recallio/audio-ingest/pkg/config"
	"github.com/recallio/audio-ingest/pkg/errcode"
)

// ManifestName is the required checksum manifest inside every package.
const ManifestName = "checksums.sha256"

// hashBufferSize is the read buffer for streaming digests.
const hashBufferSize = 1 << 20

var (
	checksumPattern = regexp.MustCompile(`^sha256:[a-f0-9]{64}$`)
	manifestLine    = regexp.MustCompile(`^([a-f0-9]{64})\s{2,}(\S.*)$`)
)

// Verifier runs the integrity checks. The self-listing mode decides whether
// the manifest must contain a line for itself.
type Verifier struct {
	selfListing config.SelfListingMode
}

// NewVerifier creates a Verifier with the given manifest self-listing policy.
func NewVerifier(selfListing config.SelfListingMode) *Verifier {
	return &Verifier{selfListing: selfListing}
}

// Verify runs all three levels in order and stops at the first failure.
// archivePath is the downloaded compressed package, packageDir the extracted
// top-level directory, and envelopeChecksum the sha256:-prefixed digest from
// the event.
func (v *Verifier) Verify(ctx context.Context, archivePath, packageDir, envelopeChecksum string) error {
	if err := CheckEnvelopeFormat(envelopeChecksum); err != nil {
		return err
	}

	start := time.Now()
	if err := v.VerifyArchive(ctx, archivePath, strings.TrimPrefix(envelopeChecksum, "sha256:")); err != nil {
		return err
	}
	slog.Debug("Archive digest verified", "path", archivePath, "duration_ms", time.Since(start).Milliseconds())

	start = time.Now()
	if err := v.VerifyManifest(ctx, packageDir); err != nil {
		return err
	}
	slog.Debug("Manifest verified", "dir", packageDir, "duration_ms", time.Since(start).Milliseconds())

	return nil
}

// CheckEnvelopeFormat re-asserts the digest format already validated during
// envelope parsing.
func CheckEnvelopeFormat(checksum string) error {
	if !checksumPattern.MatchString(checksum) {
		return errcode.Newf(errcode.ChecksumMismatch, errcode.StageChecksum,
			"envelope checksum %q is not sha256: plus 64 lowercase hex characters", checksum)
	}
	return nil
}

// VerifyArchive recomputes the SHA-256 of the archive file and compares it
// against the expected hex digest.
func (v *Verifier) VerifyArchive(ctx context.Context, archivePath, expectedHex string) error {
	actual, err := hashFile(ctx, archivePath)
	if err != nil {
		return errcode.Classify(fmt.Errorf("hashing archive: %w", err), errcode.StageChecksum)
	}
	if !digestsEqual(expectedHex, actual) {
		return errcode.Newf(errcode.ChecksumMismatch, errcode.StageChecksum,
			"archive digest mismatch: expected %s, computed %s", expectedHex, actual)
	}
	return nil
}

// VerifyManifest parses <packageDir>/checksums.sha256, recomputes the digest
// of every listed file, and requires the listing to cover the whole tree.
// conversation.json must always be listed.
func (v *Verifier) VerifyManifest(ctx context.Context, packageDir string) error {
	manifestPath := filepath.Join(packageDir, ManifestName)
	entries, err := parseManifest(manifestPath)
	if err != nil {
		return err
	}

	_, selfListed := entries[ManifestName]
	if v.selfListing == config.SelfListingRequired && !selfListed {
		return errcode.Newf(errcode.ChecksumMismatch, errcode.StageChecksum,
			"%s must list itself", ManifestName)
	}
	// The manifest cannot carry a digest of itself; the entry only marks
	// coverage.
	delete(entries, ManifestName)

	if _, ok := entries["conversation.json"]; !ok {
		return errcode.Newf(errcode.ChecksumMismatch, errcode.StageChecksum,
			"%s does not cover conversation.json", ManifestName)
	}

	for relPath, expectedHex := range entries {
		filePath := filepath.Join(packageDir, filepath.FromSlash(relPath))
		actual, err := hashFile(ctx, filePath)
		if err != nil {
			if os.IsNotExist(err) {
				return errcode.Newf(errcode.ChecksumMismatch, errcode.StageChecksum,
					"file listed in %s not found: %s", ManifestName, relPath)
			}
			return errcode.Classify(fmt.Errorf("hashing %s: %w", relPath, err), errcode.StageChecksum)
		}
		if !digestsEqual(expectedHex, actual) {
			return errcode.Newf(errcode.ChecksumMismatch, errcode.StageChecksum,
				"digest mismatch for %s: expected %s, computed %s", relPath, expectedHex, actual)
		}
	}

	return v.checkNoExtraFiles(packageDir, entries)
}

// checkNoExtraFiles walks the extracted tree and fails on any regular file
// absent from the manifest.
func (v *Verifier) checkNoExtraFiles(packageDir string, entries map[string]string) error {
	return filepath.WalkDir(packageDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return errcode.Classify(err, errcode.StageChecksum)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		relPath, err := filepath.Rel(packageDir, path)
		if err != nil {
			return errcode.Classify(err, errcode.StageChecksum)
		}
		relPath = filepath.ToSlash(relPath)
		if relPath == ManifestName {
			return nil
		}
		if _, ok := entries[relPath]; !ok {
			return errcode.Newf(errcode.ChecksumMismatch, errcode.StageChecksum,
				"file present in package but not listed in %s: %s", ManifestName, relPath)
		}
		return nil
	})
}

// parseManifest reads the manifest into a relative-path -> hex digest map.
// Lines are `<64 hex>  <path>` with a two-space separator; blank lines and
// `#` comments are skipped; anything else fails verification.
func parseManifest(manifestPath string) (map[string]string, error) {
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errcode.Newf(errcode.ChecksumMismatch, errcode.StageChecksum,
				"required file %s not found in package", ManifestName)
		}
		return nil, errcode.Classify(fmt.Errorf("reading %s: %w", ManifestName, err), errcode.StageChecksum)
	}

	entries := make(map[string]string)
	for i, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimRight(line, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		match := manifestLine.FindStringSubmatch(line)
		if match == nil {
			return nil, errcode.Newf(errcode.ChecksumMismatch, errcode.StageChecksum,
				"malformed line %d in %s", i+1, ManifestName)
		}
		entries[filepath.ToSlash(strings.TrimSpace(match[2]))] = match[1]
	}

	if len(entries) == 0 {
		return nil, errcode.Newf(errcode.ChecksumMismatch, errcode.StageChecksum,
			"%s lists no files", ManifestName)
	}
	return entries, nil
}

// hashFile streams the file through SHA-256 with a 1 MiB buffer, checking
// for cancellation between reads.
func hashFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, hashBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// digestsEqual compares two hex digests in constant time.
func digestsEqual(expected, actual string) bool {
	return subtle.ConstantTimeCompare([]byte(expected), []byte(actual)) == 1
}
