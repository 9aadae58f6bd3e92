// Package commands implements the chat commands that drive streaming:
// immediate plays, the single deferred schedule and stream control.
package commands

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"livecast/internal/media"
	rtsup "livecast/internal/runtime/supervisor"
	"livecast/internal/schedule"
	kit "livecast/internal/transport"
	"livecast/internal/transport/telegram/router"
	logx "livecast/pkg/logx"
)

// Streamer is the immediate-execution side of the media runner.
type Streamer interface {
	Play(ctx context.Context, dest media.Destination, source string) error
	PlayScreen(ctx context.Context, dest media.Destination, pageURL string) error
	Stop() bool
	Disconnect() bool
	Active() (media.ActiveStream, bool)
}

// Scheduler is the deferred side.
type Scheduler interface {
	Schedule(ctx context.Context, r schedule.Record) (schedule.Record, error)
	Cancel(ctx context.Context) (bool, error)
	Snapshot() schedule.Snapshot
}

type Notifier interface {
	Notify(ctx context.Context, n kit.Notification) error
}

type Options struct {
	Location      *time.Location
	AllowNextDay  bool
	ScreenEnabled bool
	// Now defaults to time.Now.
	Now func() time.Time
}

type Handlers struct {
	streamer Streamer
	sched    Scheduler
	notify   Notifier
	log      logx.Logger

	mu  sync.RWMutex
	opt Options

	supMu sync.Mutex
	sup   *rtsup.Supervisor
}

func New(streamer Streamer, sched Scheduler, notify Notifier, log logx.Logger, opt Options) *Handlers {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &Handlers{
		streamer: streamer,
		sched:    sched,
		notify:   notify,
		log:      log.With(logx.String("comp", "commands")),
	}
	h.Apply(opt)
	return h
}

// Apply swaps the reloadable options.
func (h *Handlers) Apply(opt Options) {
	if opt.Location == nil {
		opt.Location = time.Local
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	h.mu.Lock()
	h.opt = opt
	h.mu.Unlock()
}

func (h *Handlers) options() Options {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.opt
}

// Start prepares the supervisor that owns immediate streams started from chat.
func (h *Handlers) Start(ctx context.Context) {
	h.supMu.Lock()
	defer h.supMu.Unlock()
	if h.sup == nil {
		h.sup = rtsup.New(ctx, rtsup.WithLogger(h.log))
	}
}

// Stop cancels immediate streams and waits for them to return.
func (h *Handlers) Stop(ctx context.Context) error {
	h.supMu.Lock()
	sup := h.sup
	h.sup = nil
	h.supMu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

// Supervisor returns the immediate-stream supervisor (nil before Start).
func (h *Handlers) Supervisor() *rtsup.Supervisor {
	h.supMu.Lock()
	defer h.supMu.Unlock()
	return h.sup
}

// Commands lists the chat routes.
func (h *Handlers) Commands() []router.Command {
	return []router.Command{
		{
			Name:        "play_live",
			Aliases:     []string{"play"},
			Description: "stream a video to this chat now",
			Usage:       "/play_live <url>",
			Access:      router.AccessOwnerOnly,
			Handle:      h.handlePlay,
		},
		{
			Name:        "schedule_live",
			Aliases:     []string{"schedule"},
			Description: "schedule a stream (replaces any pending one)",
			Usage:       "/schedule_live <url> [YYYY-MM-DD] <HH:MM[:SS]> [--next-day]\n/schedule_live <url> in <duration>",
			Access:      router.AccessOwnerOnly,
			BoolFlags:   []string{"next-day"},
			Handle:      h.handleSchedule,
		},
		{
			Name:        "schedule_status",
			Aliases:     []string{"status"},
			Description: "show the pending schedule and the running stream",
			Usage:       "/schedule_status",
			Handle:      h.handleStatus,
		},
		{
			Name:        "schedule_cancel",
			Aliases:     []string{"cancel"},
			Description: "cancel the pending schedule",
			Usage:       "/schedule_cancel",
			Access:      router.AccessOwnerOnly,
			Handle:      h.handleCancel,
		},
		{
			Name:        "play_screen",
			Aliases:     []string{"screen"},
			Description: "stream a web page captured in a headless browser",
			Usage:       "/play_screen <url>",
			Access:      router.AccessOwnerOnly,
			Handle:      h.handlePlayScreen,
		},
		{
			Name:        "stop_stream",
			Aliases:     []string{"stop"},
			Description: "stop the running stream",
			Usage:       "/stop_stream",
			Access:      router.AccessOwnerOnly,
			Handle:      h.handleStop,
		},
		{
			Name:        "disconnect",
			Aliases:     []string{"leave"},
			Description: "stop streaming and leave the destination",
			Usage:       "/disconnect",
			Access:      router.AccessOwnerOnly,
			Handle:      h.handleDisconnect,
		},
	}
}

// DestinationFor maps a chat target to a stream destination: the chat id is
// the scope and a forum thread, when present, is the channel.
func DestinationFor(chat kit.ChatTarget) schedule.Destination {
	d := schedule.Destination{Scope: strconv.FormatInt(chat.ChatID, 10)}
	if chat.ThreadID != 0 {
		d.Channel = strconv.Itoa(chat.ThreadID)
	}
	return d
}

// OriginFor records who asked and where acknowledgements go.
func OriginFor(req *router.Request) schedule.Origin {
	return schedule.Origin{
		ChatID:    req.Chat.ChatID,
		ThreadID:  req.Chat.ThreadID,
		MessageID: req.MessageID,
		UserID:    req.FromID,
		Username:  req.FromUsername,
	}
}

// ValidateSource accepts http(s) URLs and absolute local paths.
func ValidateSource(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return errors.New("a media url is required")
	}
	if strings.HasPrefix(s, "/") {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("invalid url %q", s)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("unsupported url %q (use http or https)", s)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid url %q", s)
	}
	return nil
}

func (h *Handlers) handlePlay(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return req.Reply(ctx, "usage: /play_live <url>")
	}
	src := req.Args[0]
	if err := ValidateSource(src); err != nil {
		return req.Reply(ctx, "❌ "+err.Error())
	}
	dest := DestinationFor(req.Chat)
	if err := h.startStream("play_live", req, func(c context.Context) error {
		return h.streamer.Play(c, dest, src)
	}); err != nil {
		return req.Reply(ctx, "❌ "+err.Error())
	}
	return req.Reply(ctx, "▶️ starting stream: "+src)
}

func (h *Handlers) handlePlayScreen(ctx context.Context, req *router.Request) error {
	if !h.options().ScreenEnabled {
		return req.Reply(ctx, "screen capture is disabled")
	}
	if len(req.Args) != 1 {
		return req.Reply(ctx, "usage: /play_screen <url>")
	}
	page := req.Args[0]
	if err := ValidateSource(page); err != nil || strings.HasPrefix(page, "/") {
		return req.Reply(ctx, "❌ a web page url is required")
	}
	dest := DestinationFor(req.Chat)
	if err := h.startStream("play_screen", req, func(c context.Context) error {
		return h.streamer.PlayScreen(c, dest, page)
	}); err != nil {
		return req.Reply(ctx, "❌ "+err.Error())
	}
	return req.Reply(ctx, "🖥️ starting screen capture: "+page)
}

var errNotStarted = errors.New("streaming is not available")

// startStream runs fn detached from the command's timeout; a failure is
// acknowledged through the notifier.
func (h *Handlers) startStream(name string, req *router.Request, fn func(context.Context) error) error {
	sup := h.Supervisor()
	if sup == nil {
		return errNotStarted
	}
	origin := OriginFor(req)
	sup.Go(name, func(c context.Context) error {
		err := fn(c)
		if err != nil && c.Err() == nil {
			h.acknowledge(c, origin, 7, "❌ stream failed: "+err.Error())
		}
		return err
	})
	return nil
}

func (h *Handlers) handleSchedule(ctx context.Context, req *router.Request) error {
	if len(req.Args) < 2 {
		return req.Reply(ctx, "usage: /schedule_live <url> [YYYY-MM-DD] <HH:MM[:SS]> [--next-day] or /schedule_live <url> in <duration>")
	}
	src := req.Args[0]
	if err := ValidateSource(src); err != nil {
		return req.Reply(ctx, "❌ "+err.Error())
	}
	opt := h.options()
	now := opt.Now()
	at, err := ParseWhen(req.Args[1:], now, WhenOptions{
		Location:     opt.Location,
		NextDay:      req.BoolFlags["next-day"],
		AllowNextDay: opt.AllowNextDay,
	})
	if err != nil {
		return req.Reply(ctx, "❌ "+err.Error())
	}

	prev := h.sched.Snapshot()
	rec, err := h.sched.Schedule(ctx, schedule.Record{
		TargetMoment: at,
		Destination:  DestinationFor(req.Chat),
		Payload:      src,
		Origin:       OriginFor(req),
	})
	var past *schedule.PastScheduleError
	switch {
	case errors.As(err, &past):
		msg := "❌ that time has already passed"
		if opt.AllowNextDay && len(req.Args) == 2 {
			msg += " (add --next-day for tomorrow)"
		}
		return req.Reply(ctx, msg)
	case errors.Is(err, schedule.ErrStoreWrite):
		req.Logger.Warn("schedule not saved", logx.Err(err))
		return req.Reply(ctx, "❌ could not save the schedule, the previous one (if any) is unchanged")
	case err != nil:
		return req.Reply(ctx, "❌ "+err.Error())
	}

	local := rec.TargetMoment.In(opt.Location)
	var b strings.Builder
	fmt.Fprintf(&b, "⏰ stream scheduled for <b>%s</b> (%s)\n", local.Format("2006-01-02 15:04:05 MST"), humanize.RelTime(rec.TargetMoment, now, "ago", "from now"))
	fmt.Fprintf(&b, "🎬 %s", html.EscapeString(rec.Payload))
	if prev.Record != nil && (prev.State == schedule.StateArmed || prev.State == schedule.StateFiring) {
		fmt.Fprintf(&b, "\n♻️ replaced the schedule for %s", prev.Record.TargetMoment.In(opt.Location).Format("2006-01-02 15:04:05"))
	}
	return req.ReplyHTML(ctx, b.String())
}

func (h *Handlers) handleStatus(ctx context.Context, req *router.Request) error {
	opt := h.options()
	return req.ReplyHTML(ctx, StatusText(h.sched.Snapshot(), h.active(), opt.Now(), opt.Location))
}

func (h *Handlers) active() *media.ActiveStream {
	if a, ok := h.streamer.Active(); ok {
		return &a
	}
	return nil
}

// StatusText renders the slot and the running stream as HTML.
func StatusText(snap schedule.Snapshot, active *media.ActiveStream, now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	lines := []string{"📅 <b>Schedule</b>"}
	switch {
	case snap.Record == nil:
		lines = append(lines, "nothing scheduled")
	case snap.State == schedule.StateFiring:
		lines = append(lines, "🔴 firing now: "+html.EscapeString(snap.Record.Payload))
	default:
		r := snap.Record
		lines = append(lines,
			fmt.Sprintf("state: %s", snap.State),
			fmt.Sprintf("at: %s (%s)", r.TargetMoment.In(loc).Format("2006-01-02 15:04:05 MST"), humanize.RelTime(r.TargetMoment, now, "ago", "from now")),
			"source: "+html.EscapeString(r.Payload),
			"destination: <code>"+html.EscapeString(r.Destination.String())+"</code>",
		)
		if r.Origin.Username != "" {
			lines = append(lines, "by: @"+html.EscapeString(r.Origin.Username))
		}
		if snap.Recovered {
			lines = append(lines, "<i>restored after restart</i>")
		}
	}

	lines = append(lines, "", "📡 <b>Stream</b>")
	if active == nil {
		lines = append(lines, "idle")
	} else {
		lines = append(lines,
			fmt.Sprintf("%s: %s", active.Kind, html.EscapeString(active.Source)),
			"destination: <code>"+html.EscapeString(active.Dest.String())+"</code>",
			"running for "+now.Sub(active.StartedAt).Round(time.Second).String(),
		)
	}
	return strings.Join(lines, "\n")
}

func (h *Handlers) handleCancel(ctx context.Context, req *router.Request) error {
	had, err := h.sched.Cancel(ctx)
	switch {
	case err != nil && had:
		req.Logger.Warn("cancel could not clear the store", logx.Err(err))
		return req.Reply(ctx, "❌ could not cancel: the saved schedule could not be removed, it stays armed")
	case err != nil:
		return req.Reply(ctx, "❌ "+err.Error())
	case !had:
		return req.Reply(ctx, "nothing was scheduled")
	default:
		return req.Reply(ctx, "🗑️ schedule cancelled")
	}
}

func (h *Handlers) handleStop(ctx context.Context, req *router.Request) error {
	if !h.streamer.Stop() {
		return req.Reply(ctx, "no stream is running")
	}
	return req.Reply(ctx, "⏹️ stream stopped")
}

func (h *Handlers) handleDisconnect(ctx context.Context, req *router.Request) error {
	if !h.streamer.Disconnect() {
		return req.Reply(ctx, "not connected")
	}
	return req.Reply(ctx, "👋 disconnected")
}

func (h *Handlers) acknowledge(ctx context.Context, o schedule.Origin, priority int, text string) {
	if h.notify == nil || o.ChatID == 0 {
		return
	}
	n := kit.Notification{
		Priority: priority,
		Target:   kit.ChatTarget{ChatID: o.ChatID, ThreadID: o.ThreadID},
		Text:     text,
		Options:  &kit.SendOptions{DisablePreview: true, ReplyTo: o.MessageID},
	}
	if err := h.notify.Notify(context.WithoutCancel(ctx), n); err != nil {
		h.log.Warn("acknowledgement dropped", logx.Int64("chat_id", o.ChatID), logx.Err(err))
	}
}
