package app

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kbinani/screenshot"
)

// Capture failure kinds. Permission failures pause capture; the rest are
// skipped ticks.
var (
	ErrPermissionDenied   = errors.New("screen capture permission denied")
	ErrDisplayUnavailable = errors.New("display unavailable")
	ErrEncoderFailure     = errors.New("frame encode failed")
)

// Capturer grabs one screen image on demand. Implementations are stateless;
// the scheduler is the only caller.
type Capturer interface {
	Capture(ctx context.Context) (image.Image, time.Time, error)
}

type displayCapturer struct {
	monitor int
}

// NewDisplayCapturer captures the given monitor index (0 is primary).
func NewDisplayCapturer(monitor int) Capturer {
	return &displayCapturer{monitor: monitor}
}

func (c *displayCapturer) Capture(ctx context.Context) (image.Image, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, time.Time{}, err
	}
	n := screenshot.NumActiveDisplays()
	if n == 0 {
		return nil, time.Time{}, ErrDisplayUnavailable
	}
	monitor := c.monitor
	if monitor >= n {
		monitor = 0
	}
	img, err := screenshot.CaptureDisplay(monitor)
	now := time.Now().UTC()
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "permission") {
			return nil, now, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return nil, now, fmt.Errorf("%w: %v", ErrDisplayUnavailable, err)
	}
	return img, now, nil
}

// writeFramePNG persists a captured image under the session's frame
// directory, named by its UTC capture instant.
func writeFramePNG(img image.Image, dir string, ts time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("frame_%s.png", ts.UTC().Format("20060102T150405.000"))
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("%w: %v", ErrEncoderFailure, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}
