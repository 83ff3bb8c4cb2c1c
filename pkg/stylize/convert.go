package stylize

import (
	"fmt"
	"math"
)

const (
	// Channels is the number of colour planes in a model tensor.
	Channels = 3

	// BytesPerPixel is the stride of an interleaved RGBA buffer.
	BytesPerPixel = 4

	opaque = 255
)

// Encode converts an interleaved RGBA buffer into a planar float32 tensor
// of length 3*width*height with values in [0, 1]. Alpha is ignored.
func Encode(pix []byte, width, height int) ([]float32, error) {
	return Pipeline{}.Encode(pix, width, height)
}

// Decode converts a planar float32 tensor back into an interleaved RGBA
// buffer. Values are scaled by 255, clamped to [0, 255] and rounded; alpha
// is set to 255.
func Decode(tensor []float32, width, height int) ([]byte, error) {
	return Pipeline{}.Decode(tensor, width, height)
}

// Blend interpolates the RGB channels of original towards stylized by
// strength. The result is a new buffer with alpha set to 255.
func Blend(original, stylized []byte, strength float32) ([]byte, error) {
	return Pipeline{}.Blend(original, stylized, strength)
}

// Encode is the parallel form of the package-level Encode.
func (p Pipeline) Encode(pix []byte, width, height int) ([]float32, error) {
	n, err := pixelCount(width, height)
	if err != nil {
		return nil, err
	}
	if len(pix) != BytesPerPixel*n {
		return nil, &ShapeError{Stage: "encode", Want: BytesPerPixel * n, Got: len(pix)}
	}

	out := make([]float32, Channels*n)
	p.forEach(n, func(start, end int) {
		encodeRange(pix, out, n, start, end)
	})
	return out, nil
}

// Decode is the parallel form of the package-level Decode.
func (p Pipeline) Decode(tensor []float32, width, height int) ([]byte, error) {
	n, err := pixelCount(width, height)
	if err != nil {
		return nil, err
	}
	if len(tensor) != Channels*n {
		return nil, &ShapeError{Stage: "decode", Want: Channels * n, Got: len(tensor)}
	}

	out := make([]byte, BytesPerPixel*n)
	p.forEach(n, func(start, end int) {
		decodeRange(tensor, out, n, start, end)
	})
	return out, nil
}

// Blend is the parallel form of the package-level Blend.
func (p Pipeline) Blend(original, stylized []byte, strength float32) ([]byte, error) {
	if math.IsNaN(float64(strength)) {
		return nil, ErrInvalidStrength
	}
	if len(original) != len(stylized) {
		return nil, &ShapeError{Stage: "blend", Want: len(original), Got: len(stylized)}
	}
	if rem := len(original) % BytesPerPixel; rem != 0 {
		return nil, &ShapeError{Stage: "blend", Want: len(original) - rem, Got: len(original)}
	}

	n := len(original) / BytesPerPixel
	out := make([]byte, len(original))
	s := float64(strength)
	p.forEach(n, func(start, end int) {
		blendRange(original, stylized, out, s, start, end)
	})
	return out, nil
}

func pixelCount(width, height int) (int, error) {
	if width < 0 || height < 0 {
		return 0, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, width, height)
	}
	n := width * height
	// Buffers hold BytesPerPixel entries per pixel; that count must fit too.
	if width != 0 && n/width != height || n > math.MaxInt/BytesPerPixel {
		return 0, fmt.Errorf("%w: %dx%d is too large", ErrInvalidDimensions, width, height)
	}
	return n, nil
}

// encodeRange fills tensor planes for pixels [start, end). plane is W*H.
func encodeRange(pix []byte, dst []float32, plane, start, end int) {
	r := dst[:plane]
	g := dst[plane : 2*plane]
	b := dst[2*plane:]
	for i := start; i < end; i++ {
		px := pix[i*BytesPerPixel : i*BytesPerPixel+3 : i*BytesPerPixel+3]
		r[i] = float32(px[0]) / 255
		g[i] = float32(px[1]) / 255
		b[i] = float32(px[2]) / 255
	}
}

func decodeRange(tensor []float32, dst []byte, plane, start, end int) {
	r := tensor[:plane]
	g := tensor[plane : 2*plane]
	b := tensor[2*plane:]
	for i := start; i < end; i++ {
		px := dst[i*BytesPerPixel : i*BytesPerPixel+BytesPerPixel]
		px[0] = unitToByte(r[i])
		px[1] = unitToByte(g[i])
		px[2] = unitToByte(b[i])
		px[3] = opaque
	}
}

func blendRange(original, stylized, dst []byte, s float64, start, end int) {
	for i := start; i < end; i++ {
		o := i * BytesPerPixel
		for c := range Channels {
			dst[o+c] = mix(original[o+c], stylized[o+c], s)
		}
		dst[o+3] = opaque
	}
}

// unitToByte maps a [0, 1] channel value to [0, 255]. NaN maps to 0.
func unitToByte(v float32) byte {
	return clampRound(float64(v) * 255)
}

// mix computes (1-s)*o + s*t as o + s*(t-o), which is exact at s=0 and
// s=1 and monotonic in s.
func mix(o, t byte, s float64) byte {
	fo := float64(o)
	return clampRound(fo + s*(float64(t)-fo))
}

// clampRound clamps x to [0, 255] and rounds half away from zero. The
// bounds are integral, so clamping and rounding commute.
func clampRound(x float64) byte {
	if !(x > 0) {
		return 0
	}
	if x >= 255 {
		return 255
	}
	return byte(math.Round(x))
}
