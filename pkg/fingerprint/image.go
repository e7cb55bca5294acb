package fingerprint

import (
	"fmt"
	"image"
	"math/bits"
)

// imageHashSize is the side length of the downsampled grayscale grid the
// average-hash is computed over: 8x8 gives a 64-bit fingerprint, the
// standard aHash size.
const imageHashSize = 8

// Image computes a perceptual hash (average-hash, aHash) of pixels and
// returns the base2048-encoded SHA-256 digest of its hex form. Images whose
// aHash bits come out identical (as re-encodings or minor resizes of one
// page usually do) get identical fingerprints; an aHash that differs in even
// one bit gives an unrelated string, so the result supports exact matching
// only.
//
// Downsampling uses a plain box filter rather than a resizing library:
// nothing in the dependency pack does image scaling, and an aHash only
// needs a coarse 8x8 grid, so a hand-rolled average over pixel blocks is
// both sufficient and simpler than pulling in an image-processing package
// for one function.
func Image(pixels image.Image) string {
	gray := downsampleGray(pixels, imageHashSize, imageHashSize)

	var sum int
	for _, v := range gray {
		sum += int(v)
	}
	mean := sum / len(gray)

	var hash uint64
	for i, v := range gray {
		if int(v) >= mean {
			hash |= 1 << uint(i)
		}
	}

	return encode(fmt.Sprintf("%016x", hash))
}

// downsampleGray reduces img to a w*h grid of grayscale intensities by
// averaging the pixels falling into each grid cell.
func downsampleGray(img image.Image, w, h int) []uint8 {
	bounds := img.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()
	out := make([]uint8, w*h)

	if srcW == 0 || srcH == 0 {
		return out
	}

	for gy := 0; gy < h; gy++ {
		y0 := bounds.Min.Y + gy*srcH/h
		y1 := bounds.Min.Y + (gy+1)*srcH/h
		if y1 <= y0 {
			y1 = y0 + 1
		}
		for gx := 0; gx < w; gx++ {
			x0 := bounds.Min.X + gx*srcW/w
			x1 := bounds.Min.X + (gx+1)*srcW/w
			if x1 <= x0 {
				x1 = x0 + 1
			}

			var sum, count int
			for y := y0; y < y1 && y < bounds.Max.Y; y++ {
				for x := x0; x < x1 && x < bounds.Max.X; x++ {
					r, g, b, _ := img.At(x, y).RGBA()
					// Rec. 601 luma weights, operating on the 16-bit RGBA components.
					lum := (299*r + 587*g + 114*b) / 1000
					sum += int(lum >> 8)
					count++
				}
			}
			if count > 0 {
				out[gy*w+gx] = uint8(sum / count)
			}
		}
	}

	return out
}

// HammingDistance returns the number of differing bits between two raw
// 64-bit aHash values. Image does not expose the raw value (it returns a
// digest of it), so Image's output cannot be compared with this function.
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}
