package camera

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"os"
	"time"

	"github.com/blackjack/webcam"
	"github.com/pkg/errors"

	"github.com/MrCodeEU/faceguard/pkg/config"
	"github.com/MrCodeEU/faceguard/pkg/logging"
)

// V4L2 fourcc codes.
const (
	pixFmtMJPEG webcam.PixelFormat = 0x47504A4D
	pixFmtYUYV  webcam.PixelFormat = 0x56595559
)

// V4L2Device streams frames from a video4linux device.
type V4L2Device struct {
	cam     *webcam.Webcam
	format  webcam.PixelFormat
	width   int
	height  int
	timeout uint32
}

// NewV4L2Opener returns an Opener for the configured device.
func NewV4L2Opener(cfg config.CameraConfig) Opener {
	return func() (Device, error) {
		return OpenV4L2(cfg)
	}
}

// OpenV4L2 opens the device, negotiates MJPEG or YUYV and starts streaming.
func OpenV4L2(cfg config.CameraConfig) (*V4L2Device, error) {
	if _, err := os.Stat(cfg.Device); err != nil {
		return nil, errors.Wrapf(ErrCameraNotFound, "%s", cfg.Device)
	}

	cam, err := webcam.Open(cfg.Device)
	if err != nil {
		return nil, errors.Wrapf(ErrCameraUnavailable, "can not open %s: %v", cfg.Device, err)
	}

	formats := cam.GetSupportedFormats()
	var format webcam.PixelFormat
	switch {
	case formats[pixFmtMJPEG] != "":
		format = pixFmtMJPEG
	case formats[pixFmtYUYV] != "":
		format = pixFmtYUYV
	default:
		cam.Close()
		return nil, errors.Wrapf(ErrCameraUnavailable, "%s supports neither MJPEG nor YUYV", cfg.Device)
	}

	format, w, h, err := cam.SetImageFormat(format, uint32(cfg.Width), uint32(cfg.Height))
	if err != nil {
		cam.Close()
		return nil, errors.Wrap(err, "can not set image format")
	}

	if err := cam.StartStreaming(); err != nil {
		cam.Close()
		return nil, errors.Wrap(err, "can not start streaming")
	}

	timeout := cfg.FrameTimeout
	if timeout <= 0 {
		timeout = 1
	}

	logging.Component("camera").WithFields(logging.Fields{
		"device": cfg.Device,
		"format": formats[format],
		"width":  w,
		"height": h,
	}).Info("Camera opened")

	return &V4L2Device{
		cam:     cam,
		format:  format,
		width:   int(w),
		height:  int(h),
		timeout: uint32(timeout),
	}, nil
}

// Read waits for the next frame and decodes it. Driver timeouts are retried
// until ctx is done.
func (d *V4L2Device) Read(ctx context.Context) (Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}

		err := d.cam.WaitForFrame(d.timeout)
		switch err.(type) {
		case nil:
		case *webcam.Timeout:
			logging.Component("camera").Debug("Frame wait timed out")
			continue
		default:
			return Frame{}, errors.Wrap(err, "frame wait failed")
		}

		raw, err := d.cam.ReadFrame()
		if err != nil {
			return Frame{}, errors.Wrap(err, "read frame failed")
		}
		if len(raw) == 0 {
			continue
		}

		img, err := d.decode(raw)
		if err != nil {
			return Frame{}, errors.Wrap(err, "decode frame failed")
		}
		return Frame{Image: img, Timestamp: time.Now()}, nil
	}
}

func (d *V4L2Device) decode(raw []byte) (image.Image, error) {
	if d.format == pixFmtMJPEG {
		return jpeg.Decode(bytes.NewReader(raw))
	}
	return decodeYUYV(raw, d.width, d.height)
}

// Close stops streaming and closes the device.
func (d *V4L2Device) Close() error {
	if err := d.cam.StopStreaming(); err != nil {
		logging.Component("camera").WithError(err).Debug("Stop streaming failed")
	}
	return d.cam.Close()
}

// decodeYUYV converts packed Y0 U Y1 V data into a 4:2:2 YCbCr image.
func decodeYUYV(raw []byte, width, height int) (image.Image, error) {
	if len(raw) < width*height*2 {
		return nil, errors.Errorf("short YUYV frame: %d bytes for %dx%d", len(raw), width, height)
	}

	img := image.NewYCbCr(image.Rect(0, 0, width, height), image.YCbCrSubsampleRatio422)
	for y := 0; y < height; y++ {
		row := raw[y*width*2 : (y+1)*width*2]
		for x := 0; x < width; x += 2 {
			i := x * 2
			img.Y[y*img.YStride+x] = row[i]
			if x+1 < width {
				img.Y[y*img.YStride+x+1] = row[i+2]
			}
			c := y*img.CStride + x/2
			img.Cb[c] = row[i+1]
			img.Cr[c] = row[i+3]
		}
	}
	return img, nil
}
