package media

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	logx "livecast/pkg/logx"
)

// Capturer writes a stream of encoded frames of a web page to w until ctx is done.
type Capturer interface {
	Capture(ctx context.Context, pageURL string, w io.Writer) error
}

// ScreenSource renders a page in a headless browser and emits JPEG frames.
type ScreenSource struct {
	BrowserBin string // empty: let rod download/find a browser
	Width      int
	Height     int
	FPS        int
	Quality    int
	Log        logx.Logger
}

func (s ScreenSource) Capture(ctx context.Context, pageURL string, w io.Writer) error {
	log := s.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	width, height := s.Width, s.Height
	if width <= 0 || height <= 0 {
		d := DefaultEncoderOptions()
		width, height = d.Width, d.Height
	}
	fps := s.FPS
	if fps <= 0 {
		fps = 10
	}
	quality := s.Quality
	if quality <= 0 || quality > 100 {
		quality = 80
	}

	l := launcher.New().Headless(true).Context(ctx)
	if bin := strings.TrimSpace(s.BrowserBin); bin != "" {
		l = l.Bin(bin)
	}
	controlURL, err := l.Launch()
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}
	defer l.Cleanup()
	defer l.Kill()

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect browser: %w", err)
	}
	defer func() { _ = browser.Close() }()

	page, err := browser.Page(proto.TargetCreateTarget{URL: pageURL})
	if err != nil {
		return fmt.Errorf("open %s: %w", pageURL, err)
	}
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: 1,
	}); err != nil {
		return fmt.Errorf("set viewport: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("wait load: %w", err)
	}
	log.Info("screen capture started", logx.String("url", pageURL), logx.Int("fps", fps))

	tick := time.NewTicker(time.Second / time.Duration(fps))
	defer tick.Stop()
	req := &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatJpeg, Quality: &quality}
	frames := 0
	for {
		select {
		case <-ctx.Done():
			log.Info("screen capture stopped", logx.Int("frames", frames))
			return nil
		case <-tick.C:
		}
		img, err := page.Screenshot(false, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("screenshot: %w", err)
		}
		if _, err := w.Write(img); err != nil {
			// ffmpeg went away; the stream side reports why.
			return fmt.Errorf("write frame: %w", err)
		}
		frames++
	}
}
