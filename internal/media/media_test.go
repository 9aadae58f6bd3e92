package media

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"livecast/internal/eventbus"
	logx "livecast/pkg/logx"
)

func TestBuildArgs(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		job      StreamJob
		contains [][]string
		absent   []string
		last     []string
	}{
		{
			name: "h264 with audio",
			job: StreamJob{
				Input: "https://example/video", Realtime: true, Audio: true, Ingest: "rtmp://ingest/live/key",
				Options: EncoderOptions{Width: 1920, Height: 1080, FPS: 30, BitrateKbps: 4000, MaxBitrateKbps: 6000},
			},
			contains: [][]string{
				{"-re", "-i", "https://example/video"},
				{"-c:v", "libx264"},
				{"-b:v", "4000k", "-maxrate", "6000k", "-bufsize", "12000k", "-g", "60"},
				{"-c:a", "aac"},
				{"-nostdin"},
			},
			absent: []string{"-an", "-hwaccel"},
			last:   []string{"-f", "flv", "rtmp://ingest/live/key"},
		},
		{
			name: "no audio",
			job: StreamJob{
				Input: "in.mp4", Ingest: "rtmp://ingest/live/key",
				Options: EncoderOptions{VideoCodec: "h264"},
			},
			contains: [][]string{{"-an"}},
			absent:   []string{"-re", "-c:a"},
			last:     []string{"-f", "flv", "rtmp://ingest/live/key"},
		},
		{
			name: "vp8 to webm",
			job: StreamJob{
				Input: "in.webm", Audio: true, Ingest: "srt://ingest:9000",
				Options: EncoderOptions{VideoCodec: CodecVP8},
			},
			contains: [][]string{{"-c:v", "libvpx"}, {"-c:a", "libopus"}},
			last:     []string{"-f", "webm", "srt://ingest:9000"},
		},
		{
			name: "hardware acceleration",
			job: StreamJob{
				Input: "in.mp4", Ingest: "rtmp://ingest/live/key",
				Options: EncoderOptions{HardwareAcceleration: true},
			},
			contains: [][]string{{"-hwaccel", "auto"}, {"-c:v", "h264_nvenc"}},
			absent:   []string{"-tune"},
		},
		{
			name: "piped frames",
			job: StreamJob{
				Input: "pipe:0", InputFormat: "image2pipe", Ingest: "rtmp://ingest/live/key",
				Options: EncoderOptions{FPS: 10},
			},
			contains: [][]string{{"-f", "image2pipe", "-framerate", "10", "-i", "pipe:0"}},
			absent:   []string{"-nostdin"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			args := BuildArgs(tc.job)
			for _, seq := range tc.contains {
				if !containsSeq(args, seq) {
					t.Fatalf("args %v missing %v", args, seq)
				}
			}
			for _, a := range tc.absent {
				if slices.Contains(args, a) {
					t.Fatalf("args %v should not contain %q", args, a)
				}
			}
			if tc.last != nil {
				tail := args[len(args)-len(tc.last):]
				if !slices.Equal(tail, tc.last) {
					t.Fatalf("tail: got %v want %v", tail, tc.last)
				}
			}
		})
	}
}

func containsSeq(args, seq []string) bool {
	for i := 0; i+len(seq) <= len(args); i++ {
		if slices.Equal(args[i:i+len(seq)], seq) {
			return true
		}
	}
	return false
}

func TestEncoderOptionsValidate(t *testing.T) {
	t.Parallel()
	if err := DefaultEncoderOptions().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	bad := EncoderOptions{Width: 1281, Height: 720, FPS: 30, BitrateKbps: 5000, MaxBitrateKbps: 1000, VideoCodec: "AV1"}
	err := bad.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"even", "max_bitrate_kbps", "AV1"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
	if n := (EncoderOptions{VideoCodec: " vp8 "}).Normalize(); n.VideoCodec != CodecVP8 || n.Width != 1280 {
		t.Fatalf("normalize: %+v", n)
	}
}

func TestIngestTableResolve(t *testing.T) {
	t.Parallel()
	tbl, err := NewIngestTable([]Ingest{
		{Scope: "guildA", Channel: "channelB", URL: "rtmp://a/live/b"},
		{Scope: "guildA", URL: "rtmp://a/live/any"},
	}, "rtmps://default/live/k")
	if err != nil {
		t.Fatalf("NewIngestTable: %v", err)
	}
	cases := []struct {
		dest Destination
		want string
	}{
		{Destination{Scope: "guildA", Channel: "channelB"}, "rtmp://a/live/b"},
		{Destination{Scope: "guildA", Channel: "other"}, "rtmp://a/live/any"},
		{Destination{Scope: "guildZ"}, "rtmps://default/live/k"},
	}
	for _, tc := range cases {
		got, err := tbl.Resolve(tc.dest)
		if err != nil || got != tc.want {
			t.Fatalf("Resolve(%v): got %q err=%v want %q", tc.dest, got, err, tc.want)
		}
	}

	noDefault, _ := NewIngestTable(nil, "")
	if _, err := noDefault.Resolve(Destination{Scope: "x"}); !errors.Is(err, ErrNoIngest) {
		t.Fatalf("got %v want ErrNoIngest", err)
	}
}

func TestIngestTableRejectsBadURL(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"http://x/live", "rtmp://", "not a url", ""} {
		if _, err := NewIngestTable([]Ingest{{Scope: "a", URL: raw}}, ""); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestParseProbe(t *testing.T) {
	t.Parallel()
	out := `{"streams":[{"index":0,"codec_type":"video","codec_name":"h264","width":1920,"height":1080},
		{"index":1,"codec_type":"audio","codec_name":"aac"}],"format":{"format_name":"mov,mp4","duration":"12.5"}}`
	m, err := ParseProbe([]byte(out))
	if err != nil {
		t.Fatalf("ParseProbe: %v", err)
	}
	if !m.HasVideo() || !m.HasAudio() || m.Duration() != 12500*time.Millisecond {
		t.Fatalf("metadata: %+v", m)
	}

	if _, err := ParseProbe([]byte(`{"streams":[]}`)); !errors.Is(err, ErrNoStreams) {
		t.Fatalf("got %v want ErrNoStreams", err)
	}
	if _, err := ParseProbe([]byte(`nope`)); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestFFProbeRunsBinary(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script stub")
	}
	t.Parallel()
	dir := t.TempDir()
	bin := filepath.Join(dir, "ffprobe")
	script := "#!/bin/sh\n" +
		"for a in \"$@\"; do last=\"$a\"; done\n" +
		"if [ \"$last\" = \"missing\" ]; then echo 'missing: No such file' >&2; exit 1; fi\n" +
		"echo '{\"streams\":[{\"index\":0,\"codec_type\":\"video\"}]}'\n"
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}

	p := FFProbe{Bin: bin, Timeout: 5 * time.Second}
	m, err := p.Probe(context.Background(), "https://example/video")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if !m.HasVideo() || m.HasAudio() {
		t.Fatalf("metadata: %+v", m)
	}

	_, err = p.Probe(context.Background(), "missing")
	if err == nil || !strings.Contains(err.Error(), "No such file") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
}

// ---- runner ----

type stubProber struct {
	meta Metadata
	err  error
}

func (p stubProber) Probe(context.Context, string) (Metadata, error) { return p.meta, p.err }

type stubStreamer struct {
	mu      sync.Mutex
	jobs    []StreamJob
	started chan StreamJob
	err     error
	block   bool // wait for ctx
}

func (s *stubStreamer) Stream(ctx context.Context, job StreamJob) error {
	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	started, block, err := s.started, s.block, s.err
	s.mu.Unlock()
	if started != nil {
		started <- job
	}
	if job.Stdin != nil {
		_, _ = io.Copy(io.Discard, job.Stdin)
	}
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

type stubCapturer struct{ frames int }

func (c stubCapturer) Capture(ctx context.Context, _ string, w io.Writer) error {
	for i := 0; i < c.frames; i++ {
		if _, err := w.Write([]byte{0xff, 0xd8, 0xff, 0xd9}); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return nil
}

func videoMeta(audio bool) Metadata {
	m := Metadata{Streams: []Stream{{Index: 0, CodecType: "video"}}}
	if audio {
		m.Streams = append(m.Streams, Stream{Index: 1, CodecType: "audio"})
	}
	return m
}

func newTestRunner(t *testing.T, p Prober, s Streamer) *Runner {
	t.Helper()
	tbl, err := NewIngestTable([]Ingest{{Scope: "guildA", Channel: "channelB", URL: "rtmp://ingest/live/b"}}, "")
	if err != nil {
		t.Fatalf("NewIngestTable: %v", err)
	}
	return NewRunner(p, s, stubCapturer{frames: 3}, RunnerConfig{Ingests: tbl, StopTimeout: 2 * time.Second}, logx.Nop(), eventbus.New())
}

var dest = Destination{Scope: "guildA", Channel: "channelB"}

func TestRunnerPlay(t *testing.T) {
	t.Parallel()
	st := &stubStreamer{}
	r := newTestRunner(t, stubProber{meta: videoMeta(false)}, st)

	if err := r.Execute(context.Background(), dest, "https://example/video", Origin{}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(st.jobs) != 1 {
		t.Fatalf("jobs: %d", len(st.jobs))
	}
	job := st.jobs[0]
	if job.Input != "https://example/video" || job.Ingest != "rtmp://ingest/live/b" || job.Audio || !job.Realtime {
		t.Fatalf("job: %+v", job)
	}
	if _, ok := r.Active(); ok {
		t.Fatal("no stream should be active after the input ends")
	}
	if d, ok := r.Joined(); !ok || d != dest {
		t.Fatalf("joined: %v %v", d, ok)
	}
}

func TestRunnerProbeFailureAborts(t *testing.T) {
	t.Parallel()
	st := &stubStreamer{}
	r := newTestRunner(t, stubProber{err: errors.New("404")}, st)
	if err := r.Play(context.Background(), dest, "https://example/missing"); err == nil {
		t.Fatal("expected probe error")
	}
	if len(st.jobs) != 0 {
		t.Fatal("stream must not start after a probe failure")
	}
}

func TestRunnerUnknownDestination(t *testing.T) {
	t.Parallel()
	r := newTestRunner(t, stubProber{meta: videoMeta(true)}, &stubStreamer{})
	err := r.Play(context.Background(), Destination{Scope: "elsewhere"}, "https://example/video")
	if !errors.Is(err, ErrNoIngest) {
		t.Fatalf("got %v want ErrNoIngest", err)
	}
}

func TestRunnerStopAndReplace(t *testing.T) {
	t.Parallel()
	st := &stubStreamer{block: true, started: make(chan StreamJob, 2)}
	r := newTestRunner(t, stubProber{meta: videoMeta(true)}, st)

	first := make(chan error, 1)
	go func() { first <- r.Play(context.Background(), dest, "https://example/one") }()
	<-st.started
	if a, ok := r.Active(); !ok || a.Source != "https://example/one" || a.Kind != SourceVideo {
		t.Fatalf("active: %+v %v", a, ok)
	}

	second := make(chan error, 1)
	go func() { second <- r.Play(context.Background(), dest, "https://example/two") }()
	if err := <-first; err != nil {
		t.Fatalf("replaced stream should end cleanly: %v", err)
	}
	<-st.started
	if a, ok := r.Active(); !ok || a.Source != "https://example/two" {
		t.Fatalf("active after replace: %+v %v", a, ok)
	}

	if !r.Stop() {
		t.Fatal("Stop should report a running stream")
	}
	if err := <-second; err != nil {
		t.Fatalf("stopped stream should end cleanly: %v", err)
	}
	if r.Stop() {
		t.Fatal("second Stop should be a no-op")
	}
	if !r.Disconnect() {
		t.Fatal("Disconnect should forget the joined destination")
	}
	if _, ok := r.Joined(); ok {
		t.Fatal("joined destination should be cleared")
	}
}

func TestRunnerCallerCancelIsAnError(t *testing.T) {
	t.Parallel()
	st := &stubStreamer{block: true, started: make(chan StreamJob, 1)}
	r := newTestRunner(t, stubProber{meta: videoMeta(true)}, st)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Play(ctx, dest, "https://example/video") }()
	<-st.started
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v want context.Canceled", err)
	}
}

func TestRunnerPlayScreen(t *testing.T) {
	t.Parallel()
	st := &stubStreamer{block: true, started: make(chan StreamJob, 1)}
	r := newTestRunner(t, stubProber{}, st)

	done := make(chan error, 1)
	go func() { done <- r.PlayScreen(context.Background(), dest, "https://example/page") }()
	job := <-st.started
	if job.InputFormat != "image2pipe" || job.Input != "pipe:0" || job.Stdin == nil {
		t.Fatalf("job: %+v", job)
	}
	if a, ok := r.Active(); !ok || a.Kind != SourceScreen {
		t.Fatalf("active: %+v", a)
	}
	r.Stop()
	if err := <-done; err != nil {
		t.Fatalf("PlayScreen: %v", err)
	}
}

func TestTailBuffer(t *testing.T) {
	t.Parallel()
	b := &tailBuffer{max: 5}
	_, _ = b.Write([]byte("hello "))
	_, _ = b.Write([]byte("world"))
	if got := b.String(); got != "world" {
		t.Fatalf("got %q", got)
	}
}
