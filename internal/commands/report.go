package commands

import (
	"context"
	"fmt"
	"time"

	"livecast/internal/schedule"
	kit "livecast/internal/transport"
	logx "livecast/pkg/logx"
)

// Reporter sends scheduler outcomes back to the chat that asked for them.
type Reporter struct {
	notify Notifier
	loc    func() *time.Location
	log    logx.Logger
}

// NewReporter builds a schedule.Reporter over the notifier. loc may be nil.
func NewReporter(n Notifier, loc func() *time.Location, log logx.Logger) *Reporter {
	if loc == nil {
		loc = func() *time.Location { return time.Local }
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reporter{notify: n, loc: loc, log: log.With(logx.String("comp", "reporter"))}
}

var _ schedule.Reporter = (*Reporter)(nil)

// Report never blocks: the notifier queues or drops.
func (r *Reporter) Report(ctx context.Context, rep schedule.Report) {
	text, priority, ok := ReportText(rep, r.loc())
	if !ok || r.notify == nil {
		return
	}
	o := rep.Record.Origin
	if o.ChatID == 0 {
		r.log.Debug("report has no origin chat", logx.String("kind", string(rep.Kind)), logx.String("id", rep.Record.ID))
		return
	}
	n := kit.Notification{
		Priority: priority,
		Target:   kit.ChatTarget{ChatID: o.ChatID, ThreadID: o.ThreadID},
		Text:     text,
		Options:  &kit.SendOptions{DisablePreview: true, ReplyTo: o.MessageID},
	}
	if err := r.notify.Notify(context.WithoutCancel(ctx), n); err != nil {
		r.log.Warn("report dropped", logx.String("kind", string(rep.Kind)), logx.String("id", rep.Record.ID), logx.Err(err))
	}
}

// ReportText formats a scheduler outcome. Cancellations are answered by the
// cancelling command and yield ok=false.
func ReportText(rep schedule.Report, loc *time.Location) (text string, priority int, ok bool) {
	if loc == nil {
		loc = time.Local
	}
	at := rep.Record.TargetMoment.In(loc).Format("2006-01-02 15:04:05 MST")
	switch rep.Kind {
	case schedule.ReportFired:
		return fmt.Sprintf("✅ scheduled stream for %s finished: %s", at, rep.Record.Payload), 3, true
	case schedule.ReportFailed:
		msg := fmt.Sprintf("❌ scheduled stream for %s failed: %s", at, rep.Record.Payload)
		if rep.Err != nil {
			msg += "\n" + rep.Err.Error()
		}
		return msg, 7, true
	case schedule.ReportDiscarded:
		return fmt.Sprintf("⌛ the stream scheduled for %s was missed while offline and has been discarded: %s", at, rep.Record.Payload), 5, true
	default:
		return "", 0, false
	}
}
