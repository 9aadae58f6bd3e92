package media

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

type VideoCodec string

const (
	CodecH264 VideoCodec = "H264"
	CodecVP8  VideoCodec = "VP8"
)

// EncoderOptions shape the outgoing stream.
type EncoderOptions struct {
	Width                int
	Height               int
	FPS                  int
	BitrateKbps          int
	MaxBitrateKbps       int
	VideoCodec           VideoCodec
	HardwareAcceleration bool
}

func DefaultEncoderOptions() EncoderOptions {
	return EncoderOptions{
		Width:          1280,
		Height:         720,
		FPS:            30,
		BitrateKbps:    2500,
		MaxBitrateKbps: 3500,
		VideoCodec:     CodecH264,
	}
}

// Normalize fills zero values from the defaults and upper-cases the codec.
func (o EncoderOptions) Normalize() EncoderOptions {
	d := DefaultEncoderOptions()
	if o.Width <= 0 {
		o.Width = d.Width
	}
	if o.Height <= 0 {
		o.Height = d.Height
	}
	if o.FPS <= 0 {
		o.FPS = d.FPS
	}
	if o.BitrateKbps <= 0 {
		o.BitrateKbps = d.BitrateKbps
	}
	if o.MaxBitrateKbps <= 0 {
		o.MaxBitrateKbps = max(d.MaxBitrateKbps, o.BitrateKbps)
	}
	o.VideoCodec = VideoCodec(strings.ToUpper(strings.TrimSpace(string(o.VideoCodec))))
	if o.VideoCodec == "" {
		o.VideoCodec = d.VideoCodec
	}
	return o
}

func (o EncoderOptions) Validate() error {
	var errs []error
	if o.Width%2 != 0 || o.Height%2 != 0 {
		errs = append(errs, fmt.Errorf("width/height must be even (got %dx%d)", o.Width, o.Height))
	}
	if o.FPS > 120 {
		errs = append(errs, fmt.Errorf("fps too high: %d", o.FPS))
	}
	if o.MaxBitrateKbps < o.BitrateKbps {
		errs = append(errs, fmt.Errorf("max_bitrate_kbps (%d) below bitrate_kbps (%d)", o.MaxBitrateKbps, o.BitrateKbps))
	}
	switch o.VideoCodec {
	case CodecH264, CodecVP8:
	default:
		errs = append(errs, fmt.Errorf("unsupported video codec %q (want H264 or VP8)", o.VideoCodec))
	}
	return errors.Join(errs...)
}

// Container returns the ffmpeg muxer for the codec: FLV for RTMP ingests,
// WebM for VP8.
func (o EncoderOptions) Container() string {
	if o.VideoCodec == CodecVP8 {
		return "webm"
	}
	return "flv"
}

// StreamJob is one ffmpeg invocation.
type StreamJob struct {
	// Input is a URL/path, or "pipe:0" when Stdin is set.
	Input string
	Stdin io.Reader
	// InputFormat forces the demuxer (e.g. "image2pipe"); empty lets ffmpeg probe.
	InputFormat string
	// Realtime reads the input at its native frame rate (-re).
	Realtime bool
	Audio    bool
	Ingest   string
	Options  EncoderOptions
}

// BuildArgs returns the ffmpeg argv (without the binary) for job.
func BuildArgs(job StreamJob) []string {
	o := job.Options.Normalize()
	fps := strconv.Itoa(o.FPS)
	args := []string{"-hide_banner", "-loglevel", "error"}
	if job.InputFormat == "" {
		// Piped inputs read frames from stdin.
		args = append(args, "-nostdin")
	}
	if o.HardwareAcceleration {
		args = append(args, "-hwaccel", "auto")
	}
	if job.Realtime {
		args = append(args, "-re")
	}
	if job.InputFormat != "" {
		args = append(args, "-f", job.InputFormat, "-framerate", fps)
	}
	args = append(args, "-i", job.Input)

	w, h := strconv.Itoa(o.Width), strconv.Itoa(o.Height)
	vf := "scale=" + w + ":" + h + ":force_original_aspect_ratio=decrease," +
		"pad=" + w + ":" + h + ":(ow-iw)/2:(oh-ih)/2,fps=" + fps
	args = append(args, "-vf", vf, "-pix_fmt", "yuv420p")

	br := strconv.Itoa(o.BitrateKbps) + "k"
	maxr := strconv.Itoa(o.MaxBitrateKbps) + "k"
	bufsize := strconv.Itoa(o.MaxBitrateKbps*2) + "k"
	gop := strconv.Itoa(o.FPS * 2)

	switch o.VideoCodec {
	case CodecVP8:
		args = append(args, "-c:v", "libvpx", "-deadline", "realtime", "-cpu-used", "8")
	default:
		if o.HardwareAcceleration {
			args = append(args, "-c:v", "h264_nvenc", "-preset", "p4")
		} else {
			args = append(args, "-c:v", "libx264", "-preset", "veryfast", "-tune", "zerolatency")
		}
	}
	args = append(args, "-b:v", br, "-maxrate", maxr, "-bufsize", bufsize, "-g", gop)

	if job.Audio {
		if o.VideoCodec == CodecVP8 {
			args = append(args, "-c:a", "libopus", "-b:a", "128k")
		} else {
			args = append(args, "-c:a", "aac", "-b:a", "160k", "-ar", "44100")
		}
	} else {
		args = append(args, "-an")
	}

	args = append(args, "-f", o.Container(), job.Ingest)
	return args
}
