package video

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/vp8"

	"github.com/harunnryd/voxbridge/pkg/errorsx"
	"github.com/harunnryd/voxbridge/pkg/frames"
)

const DefaultJPEGQuality = 75

// ErrNotKeyframe is returned for VP8 interframes, which need decoder state
// this package does not keep.
var ErrNotKeyframe = errors.New("video: vp8 interframe")

// DecodeVP8Keyframe decodes one complete VP8 keyframe.
func DecodeVP8Keyframe(payload []byte) (*image.YCbCr, error) {
	d := vp8.NewDecoder()
	d.Init(bytes.NewReader(payload), len(payload))
	fh, err := d.DecodeFrameHeader()
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("vp8 header: %w", err), errorsx.ReasonVideoDecode)
	}
	if !fh.KeyFrame {
		return nil, ErrNotKeyframe
	}
	img, err := d.DecodeFrame()
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("vp8 frame: %w", err), errorsx.ReasonVideoDecode)
	}
	return img, nil
}

// EncodeJPEG compresses img; quality <= 0 uses DefaultJPEGQuality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 {
		quality = DefaultJPEGQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonVideoDecode)
	}
	return buf.Bytes(), nil
}

// Image rebuilds an image.Image from a frame's pixel payload.
func Image(f frames.VideoFrame) (image.Image, error) {
	w, h := f.Width(), f.Height()
	data := f.RawPayload()
	switch f.Format() {
	case frames.PixelJPEG:
		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, errorsx.Wrap(err, errorsx.ReasonVideoDecode)
		}
		return img, nil
	case frames.PixelRGBA:
		if len(data) < w*h*4 {
			return nil, errorsx.Newf(errorsx.ReasonVideoDecode, "rgba frame too short: %d bytes for %dx%d", len(data), w, h)
		}
		return &image.RGBA{Pix: data, Stride: w * 4, Rect: image.Rect(0, 0, w, h)}, nil
	case frames.PixelI420:
		cw, ch := (w+1)/2, (h+1)/2
		ySize, cSize := w*h, cw*ch
		if len(data) < ySize+2*cSize {
			return nil, errorsx.Newf(errorsx.ReasonVideoDecode, "i420 frame too short: %d bytes for %dx%d", len(data), w, h)
		}
		return &image.YCbCr{
			Y:              data[:ySize],
			Cb:             data[ySize : ySize+cSize],
			Cr:             data[ySize+cSize : ySize+2*cSize],
			YStride:        w,
			CStride:        cw,
			SubsampleRatio: image.YCbCrSubsampleRatio420,
			Rect:           image.Rect(0, 0, w, h),
		}, nil
	default:
		return nil, errorsx.Newf(errorsx.ReasonVideoDecode, "unsupported pixel format %q", f.Format())
	}
}

// JPEG returns the frame as JPEG bytes, re-encoding when needed.
func JPEG(f frames.VideoFrame) ([]byte, error) {
	if f.Format() == frames.PixelJPEG {
		return f.Data(), nil
	}
	img, err := Image(f)
	if err != nil {
		return nil, err
	}
	return EncodeJPEG(img, 0)
}

// DataURL renders the frame as a base64 JPEG data URL for vision models.
func DataURL(f frames.VideoFrame) (string, error) {
	b, err := JPEG(f)
	if err != nil {
		return "", err
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(b), nil
}
