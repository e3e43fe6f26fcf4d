package ocr

import (
	"errors"
	"fmt"
	"image"
	"math"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

var errDegenerateImage = errors.New("degenerate image dimensions")

// Preprocess prepares a rendered page image for recognition: greyscale,
// local contrast enhancement, denoise, binarize, deskew, sharpen. The chain
// degrades gracefully: if the advanced chain fails, a simpler
// greyscale+contrast+sharpen chain runs; if that also fails, the raw image
// passes through unchanged.
func Preprocess(img image.Image) image.Image {
	if out, err := preprocessAdvanced(img); err == nil {
		return out
	}
	if out, err := preprocessSimple(img); err == nil {
		return out
	}
	return img
}

func preprocessAdvanced(img image.Image) (out image.Image, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("advanced preprocess: %v", r)
		}
	}()

	gray, err := toGray(img)
	if err != nil {
		return nil, err
	}
	enhanced := stretchContrast(gray)
	denoised := median3(enhanced)
	binary := otsuBinarize(denoised)
	deskewed := deskew(binary)
	return unsharp(deskewed), nil
}

func preprocessSimple(img image.Image) (out image.Image, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("simple preprocess: %v", r)
		}
	}()

	gray, err := toGray(img)
	if err != nil {
		return nil, err
	}
	return unsharp(stretchContrast(gray)), nil
}

func toGray(img image.Image) (*image.Gray, error) {
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, errDegenerateImage
	}
	if g, ok := img.(*image.Gray); ok {
		return g, nil
	}
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Draw(g, g.Bounds(), img, b.Min, xdraw.Src)
	return g, nil
}

// stretchContrast maps the observed intensity range onto the full 0..255
// span, a cheap stand-in for local-contrast equalization.
func stretchContrast(g *image.Gray) *image.Gray {
	lo, hi := uint8(255), uint8(0)
	for _, p := range g.Pix {
		if p < lo {
			lo = p
		}
		if p > hi {
			hi = p
		}
	}
	if hi <= lo {
		return g
	}
	out := image.NewGray(g.Bounds())
	span := int(hi) - int(lo)
	for i, p := range g.Pix {
		out.Pix[i] = uint8((int(p) - int(lo)) * 255 / span)
	}
	return out
}

// median3 applies a 3x3 median filter to knock out salt-and-pepper noise.
func median3(g *image.Gray) *image.Gray {
	b := g.Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewGray(b)
	copy(out.Pix, g.Pix)
	var window [9]uint8
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			k := 0
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					window[k] = g.Pix[(y+dy)*g.Stride+(x+dx)]
					k++
				}
			}
			// insertion sort; the window is tiny
			for i := 1; i < 9; i++ {
				for j := i; j > 0 && window[j] < window[j-1]; j-- {
					window[j], window[j-1] = window[j-1], window[j]
				}
			}
			out.Pix[y*out.Stride+x] = window[4]
		}
	}
	return out
}

// otsuBinarize thresholds with Otsu's method: the cut maximizing
// between-class variance over the intensity histogram.
func otsuBinarize(g *image.Gray) *image.Gray {
	var hist [256]int
	for _, p := range g.Pix {
		hist[p]++
	}
	total := len(g.Pix)

	var sum float64
	for i, n := range hist {
		sum += float64(i) * float64(n)
	}
	var sumB, wB float64
	var maxVar float64
	threshold := 127
	for i := 0; i < 256; i++ {
		wB += float64(hist[i])
		if wB == 0 {
			continue
		}
		wF := float64(total) - wB
		if wF == 0 {
			break
		}
		sumB += float64(i) * float64(hist[i])
		mB := sumB / wB
		mF := (sum - sumB) / wF
		between := wB * wF * (mB - mF) * (mB - mF)
		if between > maxVar {
			maxVar = between
			threshold = i
		}
	}

	out := image.NewGray(g.Bounds())
	for i, p := range g.Pix {
		if int(p) > threshold {
			out.Pix[i] = 255
		} else {
			out.Pix[i] = 0
		}
	}
	return out
}

// deskew estimates page skew from the second-order central moments of the
// foreground (dark) pixels and rotates to compensate. Angles below 0.2
// degrees are left alone; implausible estimates (beyond 15 degrees) are
// treated as misdetection and skipped.
func deskew(g *image.Gray) *image.Gray {
	var n, sumX, sumY float64
	for y := 0; y < g.Bounds().Dy(); y++ {
		for x := 0; x < g.Bounds().Dx(); x++ {
			if g.Pix[y*g.Stride+x] < 128 {
				n++
				sumX += float64(x)
				sumY += float64(y)
			}
		}
	}
	if n < 64 {
		return g
	}
	cx, cy := sumX/n, sumY/n

	var mu20, mu02, mu11 float64
	for y := 0; y < g.Bounds().Dy(); y++ {
		for x := 0; x < g.Bounds().Dx(); x++ {
			if g.Pix[y*g.Stride+x] < 128 {
				dx, dy := float64(x)-cx, float64(y)-cy
				mu20 += dx * dx
				mu02 += dy * dy
				mu11 += dx * dy
			}
		}
	}

	angle := 0.5 * math.Atan2(2*mu11, mu20-mu02)
	deg := angle * 180 / math.Pi
	if math.Abs(deg) < 0.2 || math.Abs(deg) > 15 {
		return g
	}
	return rotateGray(g, -angle)
}

func rotateGray(src *image.Gray, radians float64) *image.Gray {
	b := src.Bounds()
	dst := image.NewGray(b)
	for i := range dst.Pix {
		dst.Pix[i] = 255 // white page background
	}
	cx := float64(b.Dx()) / 2
	cy := float64(b.Dy()) / 2
	sin, cos := math.Sincos(radians)
	m := f64.Aff3{
		cos, -sin, cx - cos*cx + sin*cy,
		sin, cos, cy - sin*cx - cos*cy,
	}
	xdraw.BiLinear.Transform(dst, m, src, b, xdraw.Over, nil)
	return dst
}

// unsharp sharpens by subtracting a blurred copy: out = 1.5*g - 0.5*blur(g).
func unsharp(g *image.Gray) *image.Gray {
	blurred := boxBlur3(g)
	out := image.NewGray(g.Bounds())
	for i := range g.Pix {
		v := int(g.Pix[i])*3/2 - int(blurred.Pix[i])/2
		if v < 0 {
			v = 0
		}
		if v > 255 {
			v = 255
		}
		out.Pix[i] = uint8(v)
	}
	return out
}

func boxBlur3(g *image.Gray) *image.Gray {
	b := g.Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewGray(b)
	copy(out.Pix, g.Pix)
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			sum := 0
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					sum += int(g.Pix[(y+dy)*g.Stride+(x+dx)])
				}
			}
			out.Pix[y*out.Stride+x] = uint8(sum / 9)
		}
	}
	return out
}
