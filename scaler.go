package rtctrack

// ScaleMode defines how scaling should handle aspect ratio mismatches.
type ScaleMode int

const (
	// ScaleModeFill scales to fill the target, preserving aspect ratio by cropping.
	ScaleModeFill ScaleMode = iota
	// ScaleModeStretch scales to exactly match the target (may distort).
	ScaleModeStretch
)

// ScaleI420 returns a new I420 frame of dstW x dstH. The source frame is not
// modified; a frame that already has the target size is returned as is.
func ScaleI420(frame *VideoFrame, dstW, dstH int, mode ScaleMode) *VideoFrame {
	if frame.Width == dstW && frame.Height == dstH {
		return frame
	}
	out := NewI420Frame(dstW, dstH, frame.Timestamp)
	out.Rotation = frame.Rotation
	if len(frame.Data) < 3 || frame.Width <= 0 || frame.Height <= 0 {
		return out
	}

	x, y, w, h := cropRegion(frame.Width, frame.Height, dstW, dstH, mode)
	scalePlane(frame.Data[0], frame.Stride[0], x, y, w, h, out.Data[0], out.Stride[0], dstW, dstH)
	cw, ch := (dstW+1)/2, (dstH+1)/2
	scalePlane(frame.Data[1], frame.Stride[1], x/2, y/2, w/2, h/2, out.Data[1], out.Stride[1], cw, ch)
	scalePlane(frame.Data[2], frame.Stride[2], x/2, y/2, w/2, h/2, out.Data[2], out.Stride[2], cw, ch)
	return out
}

// cropRegion picks the source rectangle mapped onto the destination.
func cropRegion(srcW, srcH, dstW, dstH int, mode ScaleMode) (x, y, w, h int) {
	if mode != ScaleModeFill || dstW <= 0 || dstH <= 0 {
		return 0, 0, srcW, srcH
	}
	// Compare aspect ratios without floating point: srcW/srcH vs dstW/dstH.
	switch l, r := srcW*dstH, dstW*srcH; {
	case l > r:
		nw := srcH * dstW / dstH &^ 1
		return (srcW - nw) / 2 &^ 1, 0, nw, srcH
	case l < r:
		nh := srcW * dstH / dstW &^ 1
		return 0, (srcH - nh) / 2 &^ 1, srcW, nh
	}
	return 0, 0, srcW, srcH
}

// scalePlane scales a single plane using bilinear interpolation with 16.16
// fixed-point steps.
func scalePlane(src []byte, srcStride, srcX, srcY, srcW, srcH int, dst []byte, dstStride, dstW, dstH int) {
	if srcW <= 0 || srcH <= 0 || dstW <= 0 || dstH <= 0 {
		return
	}
	xRatio := (srcW << 16) / dstW
	yRatio := (srcH << 16) / dstH

	for y := 0; y < dstH; y++ {
		fy := y * yRatio
		y0 := fy>>16 + srcY
		y1 := y0 + 1
		if y1 >= srcY+srcH {
			y1 = y0
		}
		wy := fy & 0xFFFF
		row0, row1 := y0*srcStride, y1*srcStride
		if row1+srcX+srcW > len(src) {
			continue
		}

		for x := 0; x < dstW; x++ {
			fx := x * xRatio
			x0 := fx>>16 + srcX
			x1 := x0 + 1
			if x1 >= srcX+srcW {
				x1 = x0
			}
			wx := fx & 0xFFFF

			top := (int(src[row0+x0])*(0x10000-wx) + int(src[row0+x1])*wx) >> 16
			bottom := (int(src[row1+x0])*(0x10000-wx) + int(src[row1+x1])*wx) >> 16
			dst[y*dstStride+x] = byte((top*(0x10000-wy) + bottom*wy) >> 16)
		}
	}
}

// RotateI420 returns frame rotated clockwise by r with Rotation cleared.
func RotateI420(frame *VideoFrame, r Rotation) *VideoFrame {
	if r == Rotation0 || len(frame.Data) < 3 {
		return frame
	}
	w, h := frame.Width, frame.Height
	if r.SwapsDimensions() {
		w, h = h, w
	}
	out := NewI420Frame(w, h, frame.Timestamp)
	rotatePlane(frame.Data[0], frame.Stride[0], frame.Width, frame.Height, out.Data[0], out.Stride[0], r)
	cw, ch := (frame.Width+1)/2, (frame.Height+1)/2
	rotatePlane(frame.Data[1], frame.Stride[1], cw, ch, out.Data[1], out.Stride[1], r)
	rotatePlane(frame.Data[2], frame.Stride[2], cw, ch, out.Data[2], out.Stride[2], r)
	return out
}

func rotatePlane(src []byte, srcStride, w, h int, dst []byte, dstStride int, r Rotation) {
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var dx, dy int
			switch r {
			case Rotation90:
				dx, dy = h-1-y, x
			case Rotation180:
				dx, dy = w-1-x, h-1-y
			case Rotation270:
				dx, dy = y, w-1-x
			default:
				dx, dy = x, y
			}
			si, di := y*srcStride+x, dy*dstStride+dx
			if si < len(src) && di < len(dst) {
				dst[di] = src[si]
			}
		}
	}
}
