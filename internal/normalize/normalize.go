// Package normalize validates a submitted file and brings it into one of the
// formats the compression chains handle directly.
//
// Order of checks:
//
//	accessible  -> regular file, writable by this process      (ErrNotAccessible)
//	sniff       -> content type from the file bytes            (ErrUnsupportedFormat)
//	rename      -> extension follows the detected content type (ErrRenameFailed)
//	convert     -> webp/bmp/tiff re-encoded to png or jpeg     (ErrConversionFailed)
//	final check -> jpeg, png or gif                            (ErrUnsupportedFormat)
package normalize

import (
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ChuLiYu/pixelsqueeze/pkg/types"
	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/image/webp"
)

// DefaultJPEGQuality is used for opaque images converted to JPEG.
const DefaultJPEGQuality = 95

// mimeFormats maps sniffed MIME types to canonical formats.
var mimeFormats = map[string]types.Format{
	"image/jpeg": types.FormatJPEG,
	"image/png":  types.FormatPNG,
	"image/gif":  types.FormatGIF,
	"image/webp": types.FormatWebP,
	"image/bmp":  types.FormatBMP,
	"image/tiff": types.FormatTIFF,
}

// Normalizer prepares jobs for compression. It holds no mutable state and is
// safe for concurrent use.
type Normalizer struct {
	JPEGQuality int
}

// New returns a Normalizer that encodes converted opaque images at quality.
func New(quality int) *Normalizer {
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	return &Normalizer{JPEGQuality: quality}
}

// Normalize validates job.Path and may rename or convert the file. On success
// job.Path, job.Format and job.OriginalSize describe the file to compress.
// The returned error wraps one of the types.Err* sentinels.
func (n *Normalizer) Normalize(job *types.ImageJob) error {
	if err := checkAccessible(job.Path); err != nil {
		return err
	}

	job.DeclaredFormat = types.FormatFromExt(filepath.Ext(job.Path))

	mt, err := mimetype.DetectFile(job.Path)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", job.Path, types.ErrNotAccessible, err)
	}
	detected, ok := formatOf(mt)
	if !ok {
		return fmt.Errorf("%s: %w: content is %s", job.Path, types.ErrUnsupportedFormat, mt.String())
	}

	if detected != job.DeclaredFormat {
		renamed, err := renameExt(job.Path, mt.Extension())
		if err != nil {
			return err
		}
		job.Path = renamed
		job.DeclaredFormat = detected
	}
	job.Format = detected

	if detected.Convertible() {
		converted, format, err := n.convert(job.Path, detected)
		if err != nil {
			return err
		}
		job.SourcePath = job.Path
		job.Path = converted
		job.Format = format
	}

	if !job.Format.Compressible() {
		return fmt.Errorf("%s: %w: %s", job.Path, types.ErrUnsupportedFormat, job.Format)
	}

	info, err := os.Stat(job.Path)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", job.Path, types.ErrNotAccessible, err)
	}
	job.OriginalSize = info.Size()
	return nil
}

func formatOf(mt *mimetype.MIME) (types.Format, bool) {
	for m := mt; m != nil; m = m.Parent() {
		if f, ok := mimeFormats[m.String()]; ok {
			return f, true
		}
	}
	return types.FormatUnknown, false
}

// checkAccessible requires a regular file that can be opened for writing.
// The file is opened without O_TRUNC, so the content is untouched.
func checkAccessible(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", path, types.ErrNotAccessible, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s: %w: not a regular file", path, types.ErrNotAccessible)
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", path, types.ErrNotAccessible, err)
	}
	return f.Close()
}

// renameExt moves path to the same name with ext. An existing target is
// never overwritten.
func renameExt(path, ext string) (string, error) {
	target := strings.TrimSuffix(path, filepath.Ext(path)) + ext
	if _, err := os.Lstat(target); err == nil {
		return "", fmt.Errorf("%s: %w: %s already exists", path, types.ErrRenameFailed, target)
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%s: %w: %v", path, types.ErrRenameFailed, err)
	}
	if err := os.Rename(path, target); err != nil {
		return "", fmt.Errorf("%s: %w: %v", path, types.ErrRenameFailed, err)
	}
	return target, nil
}

// ============================================================================
// Conversion
// ============================================================================

// convert decodes path and writes a PNG (image has transparency) or JPEG
// (fully opaque) next to it. The source file is left in place.
func (n *Normalizer) convert(path string, from types.Format) (string, types.Format, error) {
	img, err := decode(path, from)
	if err != nil {
		return "", "", fmt.Errorf("%s: %w: decode %s: %v", path, types.ErrConversionFailed, from, err)
	}

	to, ext := types.FormatJPEG, ".jpg"
	enc, opts := imaging.JPEG, []imaging.EncodeOption{imaging.JPEGQuality(n.JPEGQuality)}
	if HasAlpha(img) {
		to, ext = types.FormatPNG, ".png"
		enc, opts = imaging.PNG, []imaging.EncodeOption{imaging.PNGCompressionLevel(png.BestCompression)}
	}

	target := strings.TrimSuffix(path, filepath.Ext(path)) + ext
	if _, err := os.Lstat(target); err == nil {
		return "", "", fmt.Errorf("%s: %w: %s already exists", path, types.ErrConversionFailed, target)
	}

	if err := writeAtomic(target, path, func(w io.Writer) error {
		return imaging.Encode(w, img, enc, opts...)
	}); err != nil {
		return "", "", fmt.Errorf("%s: %w: encode %s: %v", path, types.ErrConversionFailed, to, err)
	}
	return target, to, nil
}

func decode(path string, from types.Format) (image.Image, error) {
	if from != types.FormatWebP {
		return imaging.Open(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return webp.Decode(f)
}

// HasAlpha reports whether any pixel of img is not fully opaque.
// Image types that cannot tell are treated as transparent, which selects
// the lossless PNG target.
func HasAlpha(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return !o.Opaque()
	}
	return true
}

// writeAtomic encodes into a temp file beside target and renames it into
// place, copying the permission bits of like.
func writeAtomic(target, like string, encode func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := encode(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if info, err := os.Stat(like); err == nil {
		if err := os.Chmod(tmp.Name(), info.Mode().Perm()); err != nil {
			return err
		}
	}
	return os.Rename(tmp.Name(), target)
}
