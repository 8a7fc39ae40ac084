package worker

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/renderhub/dispatch/internal/estimator"
)

func TestParseProgressLine(t *testing.T) {
	pct, ok := parseProgressLine("frame 100 PROGRESS:42.5% done")
	require.True(t, ok)
	require.InDelta(t, 0.425, pct, 1e-9)

	_, ok = parseProgressLine("no progress marker here")
	require.False(t, ok)
}

func TestUnmarshalCustomOptionsEmpty(t *testing.T) {
	opts, err := unmarshalCustomOptions(nil)
	require.NoError(t, err)
	require.Nil(t, opts)
}

func TestUnmarshalCustomOptionsPopulated(t *testing.T) {
	opts, err := unmarshalCustomOptions([]byte(`{"codec":"prores","bitrateMbps":24}`))
	require.NoError(t, err)
	require.Equal(t, "prores", opts.Codec)
	require.Equal(t, 24.0, opts.BitrateMbps)
}

func TestTranscodeTargetWebUsesH264(t *testing.T) {
	name, args := transcodeTarget(estimator.PresetWeb, nil, "in.mov", "out.mp4")
	require.Equal(t, "output.mp4", name)
	require.Contains(t, args, "libx264")
	require.Contains(t, args, "8M")
}

func TestTranscodeTargetHighQualityUsesProRes(t *testing.T) {
	name, args := transcodeTarget(estimator.PresetHighQuality, nil, "in.mov", "out.mov")
	require.Equal(t, "output.mov", name)
	require.Contains(t, args, "prores_ks")
	require.Contains(t, args, "pcm_s16le")
}

func TestTranscodeTargetCustomHonorsOverrides(t *testing.T) {
	custom := &estimator.CustomOptions{Codec: "prores", BitrateMbps: 50}
	name, args := transcodeTarget(estimator.PresetCustom, custom, "in.mov", "out.mov")
	require.Equal(t, "output.mov", name)
	require.Contains(t, args, "prores_ks")
}

func TestTranscodeTargetCustomDefaultsToH264(t *testing.T) {
	custom := &estimator.CustomOptions{BitrateMbps: 30}
	name, args := transcodeTarget(estimator.PresetCustom, custom, "in.mov", "out.mp4")
	require.Equal(t, "output.mp4", name)
	require.Contains(t, args, "30M")
}

func TestSha256FileMatchesKnownContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))
	sum, err := sha256File(path)
	require.NoError(t, err)
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dacefbe71ef0dfd54342f4fe00dc5ce82f1d2", sum)
}

func TestExtractZipRejectsPathEscape(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "bundle.zip")

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	fw, err := zw.Create("../escape.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("nope"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(zipPath, buf.Bytes(), 0o644))

	_, err = extractZip(zipPath, filepath.Join(dir, "out"))
	require.Error(t, err)
}

func TestExtractZipListsEntries(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "bundle.zip")

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range []string{"manifest.json", "project.aep"} {
		fw, err := zw.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte("x"))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(zipPath, buf.Bytes(), 0o644))

	destDir := filepath.Join(dir, "out")
	entries, err := extractZip(zipPath, destDir)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"manifest.json", "project.aep"}, entries)
	require.FileExists(t, filepath.Join(destDir, "manifest.json"))
	require.FileExists(t, filepath.Join(destDir, "project.aep"))
}
