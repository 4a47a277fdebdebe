package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallio/audio-ingest/pkg/config"
	"github.com/recallio/audio-ingest/pkg/errcode"
)

func digestOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func writeFile(t *testing.T, root, relPath string, data []byte) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(relPath))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

// buildPackage writes the given files plus a manifest covering them. When
// selfList is true the manifest also lists itself with a placeholder digest.
func buildPackage(t *testing.T, files map[string][]byte, selfList bool) string {
	t.Helper()
	root := t.TempDir()

	var lines []string
	for relPath, data := range files {
		writeFile(t, root, relPath, data)
		lines = append(lines, digestOf(data)+"  "+relPath)
	}
	if selfList {
		lines = append(lines, strings.Repeat("0", 64)+"  "+ManifestName)
	}
	writeFile(t, root, ManifestName, []byte(strings.Join(lines, "\n")+"\n"))
	return root
}

func TestCheckEnvelopeFormat(t *testing.T) {
	valid := "sha256:" + strings.Repeat("ab", 32)
	assert.NoError(t, CheckEnvelopeFormat(valid))

	invalid := []string{
		"",
		strings.Repeat("ab", 32),
		"sha256:" + strings.Repeat("AB", 32),
		"sha256:abc123",
		"md5:" + strings.Repeat("ab", 32),
	}
	for _, checksum := range invalid {
		err := CheckEnvelopeFormat(checksum)
		require.Error(t, err, "checksum %q", checksum)
		assert.Equal(t, errcode.ChecksumMismatch, errcode.CodeOf(err))
	}
}

func TestVerifyArchive(t *testing.T) {
	dir := t.TempDir()
	data := []byte("compressed package bytes")
	archivePath := filepath.Join(dir, "pkg.tar.gz")
	require.NoError(t, os.WriteFile(archivePath, data, 0o644))

	v := NewVerifier(config.SelfListingRequired)

	assert.NoError(t, v.VerifyArchive(context.Background(), archivePath, digestOf(data)))

	err := v.VerifyArchive(context.Background(), archivePath, strings.Repeat("0", 64))
	require.Error(t, err)
	assert.Equal(t, errcode.ChecksumMismatch, errcode.CodeOf(err))
}

func TestVerifyArchiveCancelled(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "pkg.tar.gz")
	require.NoError(t, os.WriteFile(archivePath, []byte("data"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewVerifier(config.SelfListingRequired).VerifyArchive(ctx, archivePath, strings.Repeat("0", 64))
	require.Error(t, err)
	assert.Equal(t, errcode.Cancelled, errcode.CodeOf(err))
}

func TestVerifyManifestHappyPath(t *testing.T) {
	root := buildPackage(t, map[string][]byte{
		"conversation.json": []byte(`{"segments":[]}`),
		"media/clip.meta":   []byte("bitrate=128k"),
	}, true)

	v := NewVerifier(config.SelfListingRequired)
	assert.NoError(t, v.VerifyManifest(context.Background(), root))
}

func TestVerifyManifestSelfListingPolicy(t *testing.T) {
	files := map[string][]byte{"conversation.json": []byte(`{}`)}

	// Required mode rejects a manifest that does not list itself.
	root := buildPackage(t, files, false)
	err := NewVerifier(config.SelfListingRequired).VerifyManifest(context.Background(), root)
	require.Error(t, err)
	assert.Equal(t, errcode.ChecksumMismatch, errcode.CodeOf(err))
	assert.Contains(t, err.Error(), "must list itself")

	// Skip mode tolerates the same package.
	root = buildPackage(t, files, false)
	assert.NoError(t, NewVerifier(config.SelfListingSkip).VerifyManifest(context.Background(), root))

	// Skip mode also tolerates a self-listed manifest.
	root = buildPackage(t, files, true)
	assert.NoError(t, NewVerifier(config.SelfListingSkip).VerifyManifest(context.Background(), root))
}

func TestVerifyManifestDetectsTampering(t *testing.T) {
	root := buildPackage(t, map[string][]byte{
		"conversation.json": []byte(`{"segments":[]}`),
	}, true)
	writeFile(t, root, "conversation.json", []byte(`{"segments":[{}]}`))

	err := NewVerifier(config.SelfListingRequired).VerifyManifest(context.Background(), root)
	require.Error(t, err)
	assert.Equal(t, errcode.ChecksumMismatch, errcode.CodeOf(err))
	assert.Contains(t, err.Error(), "digest mismatch for conversation.json")
}

func TestVerifyManifestMissingListedFile(t *testing.T) {
	root := buildPackage(t, map[string][]byte{
		"conversation.json": []byte(`{}`),
		"logs/run.log":      []byte("ok"),
	}, true)
	require.NoError(t, os.Remove(filepath.Join(root, "logs", "run.log")))

	err := NewVerifier(config.SelfListingRequired).VerifyManifest(context.Background(), root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found: logs/run.log")
}

func TestVerifyManifestRejectsUnlistedFile(t *testing.T) {
	root := buildPackage(t, map[string][]byte{
		"conversation.json": []byte(`{}`),
	}, true)
	writeFile(t, root, "artifacts/extra.bin", []byte("surprise"))

	err := NewVerifier(config.SelfListingRequired).VerifyManifest(context.Background(), root)
	require.Error(t, err)
	assert.Equal(t, errcode.ChecksumMismatch, errcode.CodeOf(err))
	assert.Contains(t, err.Error(), "not listed")
}

func TestVerifyManifestMalformedLines(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"free text", "this is not a manifest line"},
		{"single space separator", digestOf([]byte("x")) + " conversation.json"},
		{"short digest", "abc123  conversation.json"},
		{"uppercase digest", strings.ToUpper(digestOf([]byte("x"))) + "  conversation.json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			writeFile(t, root, "conversation.json", []byte(`{}`))
			writeFile(t, root, ManifestName, []byte(tt.line+"\n"))

			err := NewVerifier(config.SelfListingSkip).VerifyManifest(context.Background(), root)
			require.Error(t, err)
			assert.Equal(t, errcode.ChecksumMismatch, errcode.CodeOf(err))
			assert.Contains(t, err.Error(), "malformed line 1")
		})
	}
}

func TestVerifyManifestSkipsCommentsAndBlanks(t *testing.T) {
	root := t.TempDir()
	doc := []byte(`{"segments":[]}`)
	writeFile(t, root, "conversation.json", doc)
	manifest := "# produced by packager v2\n\n" + digestOf(doc) + "  conversation.json\n\n"
	writeFile(t, root, ManifestName, []byte(manifest))

	assert.NoError(t, NewVerifier(config.SelfListingSkip).VerifyManifest(context.Background(), root))
}

func TestVerifyManifestMustCoverConversation(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "conversation.json", []byte(`{}`))
	other := []byte("meta")
	writeFile(t, root, "media/clip.meta", other)
	writeFile(t, root, ManifestName, []byte(digestOf(other)+"  media/clip.meta\n"))

	err := NewVerifier(config.SelfListingSkip).VerifyManifest(context.Background(), root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conversation.json")
}

func TestVerifyManifestMissingManifest(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "conversation.json", []byte(`{}`))

	err := NewVerifier(config.SelfListingRequired).VerifyManifest(context.Background(), root)
	require.Error(t, err)
	assert.Equal(t, errcode.ChecksumMismatch, errcode.CodeOf(err))
	assert.Contains(t, err.Error(), "not found in package")
}

func TestVerifyEndToEnd(t *testing.T) {
	root := buildPackage(t, map[string][]byte{
		"conversation.json": []byte(`{"segments":[]}`),
	}, true)

	archive := []byte("pretend tar.gz bytes")
	archivePath := filepath.Join(t.TempDir(), "pkg.tar.gz")
	require.NoError(t, os.WriteFile(archivePath, archive, 0o644))

	v := NewVerifier(config.SelfListingRequired)
	err := v.Verify(context.Background(), archivePath, root, "sha256:"+digestOf(archive))
	assert.NoError(t, err)

	err = v.Verify(context.Background(), archivePath, root, "sha256:"+strings.Repeat("0", 64))
	require.Error(t, err)
	assert.Equal(t, errcode.ChecksumMismatch, errcode.CodeOf(err))
}
