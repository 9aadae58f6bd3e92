package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Stream is one elementary stream reported by ffprobe.
type Stream struct {
	Index     int    `json:"index"`
	CodecType string `json:"codec_type"`
	CodecName string `json:"codec_name"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
}

type Format struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration,omitempty"`
}

// Metadata is the subset of ffprobe output the runner uses.
type Metadata struct {
	Streams []Stream `json:"streams"`
	Format  Format   `json:"format"`
}

func (m Metadata) HasAudio() bool { return m.hasType("audio") }
func (m Metadata) HasVideo() bool { return m.hasType("video") }

func (m Metadata) hasType(t string) bool {
	for _, s := range m.Streams {
		if s.CodecType == t {
			return true
		}
	}
	return false
}

// Duration is zero for live inputs.
func (m Metadata) Duration() time.Duration {
	f, err := strconv.ParseFloat(strings.TrimSpace(m.Format.Duration), 64)
	if err != nil || f <= 0 {
		return 0
	}
	return time.Duration(f * float64(time.Second))
}

// Prober inspects an input before streaming it.
type Prober interface {
	Probe(ctx context.Context, input string) (Metadata, error)
}

// FFProbe runs the ffprobe binary.
type FFProbe struct {
	Bin     string
	Timeout time.Duration
}

func (p FFProbe) Probe(ctx context.Context, input string) (Metadata, error) {
	bin := strings.TrimSpace(p.Bin)
	if bin == "" {
		bin = "ffprobe"
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin,
		"-v", "error",
		"-print_format", "json",
		"-show_streams",
		"-show_format",
		input,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return Metadata{}, fmt.Errorf("ffprobe %s: %w: %s", input, err, truncate(msg, 300))
		}
		return Metadata{}, fmt.Errorf("ffprobe %s: %w", input, err)
	}
	return ParseProbe(stdout.Bytes())
}

// ParseProbe decodes ffprobe's JSON output.
func ParseProbe(b []byte) (Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(b, &m); err != nil {
		return Metadata{}, fmt.Errorf("decode ffprobe output: %w", err)
	}
	if len(m.Streams) == 0 {
		return Metadata{}, ErrNoStreams
	}
	return m, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
