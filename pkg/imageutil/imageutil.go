package imageutil

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"strings"

	_ "image/gif"

	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Frame is an interleaved, non-premultiplied RGBA pixel buffer in the same
// layout as a canvas ImageData: row-major, 4 bytes per pixel, no padding.
type Frame struct {
	Pix    []byte
	Width  int
	Height int
	Format string // source format as reported by image.Decode
}

// Decode reads an encoded image (png, jpeg, gif, webp, bmp or tiff) into a
// Frame. If maxSide > 0 and either dimension exceeds it, the image is
// downscaled with Catmull-Rom so that its longer side equals maxSide.
func Decode(data []byte, maxSide int) (*Frame, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	width, height := fitWithin(bounds.Dx(), bounds.Dy(), maxSide)

	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	src, isNRGBA := img.(*image.NRGBA)
	switch {
	case width != bounds.Dx() || height != bounds.Dy():
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Src, nil)
	case isNRGBA:
		// Row copy: translucent pixels stay non-premultiplied.
		for y := range height {
			copy(dst.Pix[y*dst.Stride:y*dst.Stride+4*width], src.Pix[src.PixOffset(bounds.Min.X, bounds.Min.Y+y):])
		}
	default:
		draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Src)
	}

	return &Frame{
		Pix:    dst.Pix,
		Width:  width,
		Height: height,
		Format: format,
	}, nil
}

// Encode writes f in the given format. Supported formats: png, jpeg, bmp,
// tiff. Anything else falls back to png.
func Encode(f *Frame, format string) ([]byte, error) {
	if len(f.Pix) != 4*f.Width*f.Height {
		return nil, fmt.Errorf("frame buffer has %d bytes, want %d for %dx%d",
			len(f.Pix), 4*f.Width*f.Height, f.Width, f.Height)
	}
	img := &image.NRGBA{
		Pix:    f.Pix,
		Stride: 4 * f.Width,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}

	var buf bytes.Buffer
	switch strings.ToLower(format) {
	case "jpeg", "jpg":
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
			return nil, fmt.Errorf("failed to encode jpeg: %w", err)
		}
	case "bmp":
		if err := bmp.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("failed to encode bmp: %w", err)
		}
	case "tiff":
		if err := tiff.Encode(&buf, img, &tiff.Options{Compression: tiff.Deflate}); err != nil {
			return nil, fmt.Errorf("failed to encode tiff: %w", err)
		}
	default:
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("failed to encode png: %w", err)
		}
	}

	return buf.Bytes(), nil
}

// OutputFormat returns the format Encode will actually produce for format.
func OutputFormat(format string) string {
	switch f := strings.ToLower(format); f {
	case "jpeg", "jpg":
		return "jpeg"
	case "bmp", "tiff":
		return f
	default:
		return "png"
	}
}

// FormatFromExt maps a file extension (with or without the dot) to a
// format name understood by Encode.
func FormatFromExt(ext string) string {
	switch strings.TrimPrefix(strings.ToLower(ext), ".") {
	case "jpg", "jpeg":
		return "jpeg"
	case "bmp":
		return "bmp"
	case "tif", "tiff":
		return "tiff"
	case "webp":
		return "webp"
	case "gif":
		return "gif"
	default:
		return "png"
	}
}

// ExtFor returns the canonical file extension for the output of format.
func ExtFor(format string) string {
	switch OutputFormat(format) {
	case "jpeg":
		return ".jpg"
	case "bmp":
		return ".bmp"
	case "tiff":
		return ".tiff"
	default:
		return ".png"
	}
}

// ContentType returns the MIME type of the output of format.
func ContentType(format string) string {
	return "image/" + OutputFormat(format)
}

// IsImageExt reports whether ext names a format Decode understands.
func IsImageExt(ext string) bool {
	switch strings.TrimPrefix(strings.ToLower(ext), ".") {
	case "png", "jpg", "jpeg", "webp", "gif", "bmp", "tif", "tiff":
		return true
	}
	return false
}

// fitWithin scales (w, h) down so that neither exceeds maxSide, keeping
// the aspect ratio. Sizes never drop below 1.
func fitWithin(w, h, maxSide int) (int, int) {
	if maxSide <= 0 || (w <= maxSide && h <= maxSide) {
		return w, h
	}
	if w >= h {
		return maxSide, max(1, (h*maxSide+w/2)/w)
	}
	return max(1, (w*maxSide+h/2)/h), maxSide
}
