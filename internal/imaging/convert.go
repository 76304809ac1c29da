package imaging

import "slices"

// ToRGB packs f into 3-byte RGB pixels in row-major order, dropping alpha.
// dst is reused when it has enough capacity. f must be valid.
func ToRGB(dst []byte, f *Frame) []byte {
	n := f.Width * f.Height * 3
	dst = slices.Grow(dst[:0], n)[:n]
	rOff, gOff, bOff := f.Layout.offsets()

	if f.Contiguous() {
		src := f.Pix[:f.Width*f.Height*4]
		for i, o := 0, 0; i < len(src); i, o = i+4, o+3 {
			dst[o] = src[i+rOff]
			dst[o+1] = src[i+gOff]
			dst[o+2] = src[i+bOff]
		}
		return dst
	}

	// Strided source: advance a row cursor by Stride.
	stride := f.stride()
	rowBytes := f.Width * 4
	o := 0
	for y, row := 0, 0; y < f.Height; y, row = y+1, row+stride {
		src := f.Pix[row : row+rowBytes]
		for i := 0; i < rowBytes; i += 4 {
			dst[o] = src[i+rOff]
			dst[o+1] = src[i+gOff]
			dst[o+2] = src[i+bOff]
			o += 3
		}
	}
	return dst
}

// ShrinkFactors returns the integer block factors that bring a w×h image
// down to at most reqW×reqH. A factor is 1 when the request is zero or not
// smaller than the source.
func ShrinkFactors(w, h, reqW, reqH int) (sw, sh int) {
	sw, sh = 1, 1
	if reqW > 0 && w/reqW > 1 {
		sw = w / reqW
	}
	if reqH > 0 && h/reqH > 1 {
		sh = h / reqH
	}
	return sw, sh
}

// Downscale averages sw×sh blocks of a packed RGB image. Each output channel
// is the truncated mean of the block. Source rows and columns that don't fill
// a whole block are dropped. dst is reused when it has enough capacity.
func Downscale(dst, rgb []byte, w, h, sw, sh int) (out []byte, ow, oh int) {
	ow, oh = w/sw, h/sh
	n := ow * oh * 3
	out = slices.Grow(dst[:0], n)[:n]
	if n == 0 {
		return out, ow, oh
	}

	// One block may cover a whole multi-display union; sums need 64 bits.
	area := uint64(sw) * uint64(sh)
	sums := make([]uint64, ow*3)
	srcRow := w * 3

	for oy := 0; oy < oh; oy++ {
		clear(sums)
		for y := oy * sh; y < oy*sh+sh; y++ {
			row := rgb[y*srcRow : y*srcRow+ow*sw*3]
			for ox := 0; ox < ow; ox++ {
				block := row[ox*sw*3 : (ox+1)*sw*3]
				s := sums[ox*3 : ox*3+3]
				for i := 0; i < len(block); i += 3 {
					s[0] += uint64(block[i])
					s[1] += uint64(block[i+1])
					s[2] += uint64(block[i+2])
				}
			}
		}
		dstRow := out[oy*ow*3 : (oy+1)*ow*3]
		for i, s := range sums {
			dstRow[i] = byte(s / area)
		}
	}
	return out, ow, oh
}
