package normalize

import (
	"bytes"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/ChuLiYu/pixelsqueeze/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

// ============================================================================
// Fixtures
// ============================================================================

func opaqueImage() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 30), G: uint8(y * 30), B: 90, A: 255})
		}
	}
	return img
}

func translucentImage() *image.NRGBA {
	img := opaqueImage()
	img.Set(3, 3, color.NRGBA{R: 10, G: 10, B: 10, A: 0})
	return img
}

func encodeJPEG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, opaqueImage(), nil))
	return buf.Bytes()
}

func encodePNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, opaqueImage()))
	return buf.Bytes()
}

func encodeGIF(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, gif.Encode(&buf, opaqueImage(), nil))
	return buf.Bytes()
}

func write(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func normalize(t *testing.T, path string) (*types.ImageJob, error) {
	t.Helper()
	job := types.NewImageJob(path)
	return job, New(DefaultJPEGQuality).Normalize(job)
}

// ============================================================================
// Accepted inputs
// ============================================================================

func TestNormalizeCanonicalFormats(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name   string
		data   []byte
		format types.Format
	}{
		{"photo.jpg", encodeJPEG(t), types.FormatJPEG},
		{"photo2.JPEG", encodeJPEG(t), types.FormatJPEG},
		{"icon.png", encodePNG(t), types.FormatPNG},
		{"anim.gif", encodeGIF(t), types.FormatGIF},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := write(t, dir, tc.name, tc.data)
			job, err := normalize(t, path)
			require.NoError(t, err)

			assert.Equal(t, path, job.Path, "no rename when extension matches content")
			assert.Equal(t, tc.format, job.Format)
			assert.Equal(t, tc.format, job.DeclaredFormat)
			assert.Equal(t, int64(len(tc.data)), job.OriginalSize)
		})
	}
}

func TestNormalizeRenamesMismatchedExtension(t *testing.T) {
	dir := t.TempDir()
	path := write(t, dir, "holiday.png", encodeJPEG(t))

	job, err := normalize(t, path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "holiday.jpg"), job.Path)
	assert.Equal(t, types.FormatJPEG, job.DeclaredFormat, "declared format follows the new extension")
	assert.Equal(t, types.FormatJPEG, job.Format)
	assert.NoFileExists(t, path)
	assert.FileExists(t, job.Path)
}

func TestNormalizeConvertsOpaqueToJPEG(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	require.NoError(t, bmp.Encode(&buf, opaqueImage()))
	path := write(t, dir, "scan.bmp", buf.Bytes())

	job, err := normalize(t, path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "scan.jpg"), job.Path)
	assert.Equal(t, types.FormatJPEG, job.Format)
	assert.FileExists(t, path, "source is kept")

	f, err := os.Open(job.Path)
	require.NoError(t, err)
	defer f.Close()
	_, err = jpeg.Decode(f)
	assert.NoError(t, err)

	info, err := os.Stat(job.Path)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), job.OriginalSize)
}

func TestNormalizeConvertsTransparentToPNG(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	require.NoError(t, tiff.Encode(&buf, translucentImage(), nil))
	path := write(t, dir, "overlay.tiff", buf.Bytes())

	job, err := normalize(t, path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "overlay.png"), job.Path)
	assert.Equal(t, types.FormatPNG, job.Format)

	f, err := os.Open(job.Path)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.True(t, HasAlpha(img))
}

// ============================================================================
// Rejections
// ============================================================================

func TestNormalizeMissingFile(t *testing.T) {
	_, err := normalize(t, filepath.Join(t.TempDir(), "ghost.png"))
	assert.ErrorIs(t, err, types.ErrNotAccessible)
}

func TestNormalizeDirectory(t *testing.T) {
	_, err := normalize(t, t.TempDir())
	assert.ErrorIs(t, err, types.ErrNotAccessible)
}

func TestNormalizeReadOnlyFile(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root can write read-only files")
	}
	dir := t.TempDir()
	path := write(t, dir, "locked.png", encodePNG(t))
	require.NoError(t, os.Chmod(path, 0o444))

	_, err := normalize(t, path)
	assert.ErrorIs(t, err, types.ErrNotAccessible)
}

func TestNormalizeUnsupportedContent(t *testing.T) {
	dir := t.TempDir()
	path := write(t, dir, "notes.png", []byte("just some text, not an image\n"))

	job, err := normalize(t, path)
	assert.ErrorIs(t, err, types.ErrUnsupportedFormat)
	assert.Equal(t, path, job.Path, "rejected files are not renamed")
}

func TestNormalizeRenameCollision(t *testing.T) {
	dir := t.TempDir()
	path := write(t, dir, "dup.png", encodeJPEG(t))
	write(t, dir, "dup.jpg", []byte("occupied"))

	_, err := normalize(t, path)
	assert.ErrorIs(t, err, types.ErrRenameFailed)
	assert.FileExists(t, path)
}

func TestNormalizeCorruptWebP(t *testing.T) {
	dir := t.TempDir()
	data := append([]byte("RIFF\x24\x00\x00\x00WEBPVP8 \x18\x00\x00\x00"), bytes.Repeat([]byte{0x7f}, 24)...)
	path := write(t, dir, "broken.webp", data)

	_, err := normalize(t, path)
	assert.ErrorIs(t, err, types.ErrConversionFailed)
	assert.NoFileExists(t, filepath.Join(dir, "broken.jpg"))
	assert.NoFileExists(t, filepath.Join(dir, "broken.png"))
}

func TestNormalizeConversionTargetExists(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	require.NoError(t, bmp.Encode(&buf, opaqueImage()))
	path := write(t, dir, "page.bmp", buf.Bytes())
	write(t, dir, "page.jpg", []byte("occupied"))

	_, err := normalize(t, path)
	assert.ErrorIs(t, err, types.ErrConversionFailed)
}

// ============================================================================
// Helpers
// ============================================================================

func TestHasAlpha(t *testing.T) {
	assert.False(t, HasAlpha(opaqueImage()))
	assert.True(t, HasAlpha(translucentImage()))
	assert.False(t, HasAlpha(image.NewGray(image.Rect(0, 0, 2, 2))))
}

func TestNewClampsQuality(t *testing.T) {
	assert.Equal(t, DefaultJPEGQuality, New(0).JPEGQuality)
	assert.Equal(t, DefaultJPEGQuality, New(101).JPEGQuality)
	assert.Equal(t, 80, New(80).JPEGQuality)
}
