package media

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"livecast/internal/storage"
)

var (
	ErrNoIngest  = errors.New("no ingest configured for destination")
	ErrNoStreams = errors.New("input has no streams")
	ErrNoVideo   = errors.New("input has no video stream")
)

type (
	Destination = storage.Destination
	Origin      = storage.Origin
)

// Ingest maps one destination to a stream URL. An empty Channel matches
// every channel of Scope.
type Ingest struct {
	Scope   string
	Channel string
	URL     string
}

// IngestTable resolves destinations to ingest URLs.
type IngestTable struct {
	exact   map[Destination]string
	byScope map[string]string
	def     string
}

func NewIngestTable(entries []Ingest, defaultURL string) (*IngestTable, error) {
	t := &IngestTable{
		exact:   map[Destination]string{},
		byScope: map[string]string{},
		def:     strings.TrimSpace(defaultURL),
	}
	if t.def != "" {
		if err := ValidateIngestURL(t.def); err != nil {
			return nil, fmt.Errorf("default ingest: %w", err)
		}
	}
	for i, e := range entries {
		scope := strings.TrimSpace(e.Scope)
		u := strings.TrimSpace(e.URL)
		if scope == "" {
			return nil, fmt.Errorf("ingests[%d]: scope is required", i)
		}
		if err := ValidateIngestURL(u); err != nil {
			return nil, fmt.Errorf("ingests[%d]: %w", i, err)
		}
		ch := strings.TrimSpace(e.Channel)
		if ch == "" {
			t.byScope[scope] = u
			continue
		}
		t.exact[Destination{Scope: scope, Channel: ch}] = u
	}
	return t, nil
}

// Resolve prefers an exact (scope, channel) match, then the scope, then the default.
func (t *IngestTable) Resolve(d Destination) (string, error) {
	if t == nil {
		return "", ErrNoIngest
	}
	if u, ok := t.exact[d]; ok {
		return u, nil
	}
	if u, ok := t.byScope[d.Scope]; ok {
		return u, nil
	}
	if t.def != "" {
		return t.def, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNoIngest, d.String())
}

func (t *IngestTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.exact) + len(t.byScope)
}

// ValidateIngestURL accepts the push protocols ffmpeg can mux to.
func ValidateIngestURL(raw string) error {
	if raw == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch strings.ToLower(u.Scheme) {
	case "rtmp", "rtmps", "srt", "udp", "rtsp":
	default:
		return fmt.Errorf("unsupported ingest scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("ingest url has no host")
	}
	return nil
}
