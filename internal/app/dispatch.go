package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"remindme/internal/reminder"
	"remindme/internal/transport"
	logx "remindme/pkg/logx"
)

// dispatchLoop routes inbound updates: button presses resolve pending
// reminders, a couple of text commands answer status questions. Updates
// from chats other than the configured one are ignored.
func (a *App) dispatchLoop(c context.Context) error {
	for {
		select {
		case <-c.Done():
			return nil
		case up, ok := <-a.updates:
			if !ok {
				return nil
			}
			switch up.Kind {
			case transport.UpdateCallback:
				if up.Callback == nil || up.Callback.ChatID != a.target.ChatID {
					continue
				}
				a.handleCallback(c, up.Callback)
			case transport.UpdateMessage:
				if up.Message == nil || up.Message.ChatID != a.target.ChatID {
					continue
				}
				a.handleMessage(c, up.Message)
			}
		}
	}
}

func (a *App) handleCallback(c context.Context, cb *transport.Callback) {
	action, medicineID, scheduleID, ok := reminder.ParseAckData(cb.Data)
	if !ok {
		a.log.Debug("unrecognized callback", logx.String("data", cb.Data))
		_ = a.adapter.AnswerCallback(c, cb.ID, "")
		return
	}

	taken := action == "taken"
	matched, err := a.deliverer.Acknowledge(c, medicineID, scheduleID, taken)
	if err != nil {
		a.log.Error("acknowledge failed",
			logx.Int64("medicine_id", medicineID),
			logx.Int64("schedule_id", scheduleID),
			logx.Err(err))
		_ = a.adapter.AnswerCallback(c, cb.ID, "Something went wrong, try again")
		return
	}

	reply := "Recorded 👍"
	if !taken {
		reply = "Skipped"
	}
	if !matched {
		reply += " (reminder already closed)"
	}
	_ = a.adapter.AnswerCallback(c, cb.ID, reply)
}

func (a *App) handleMessage(c context.Context, m *transport.Message) {
	switch strings.TrimSpace(strings.ToLower(firstWord(m.Text))) {
	case "/status":
		a.sendStatus(c)
	case "/today":
		a.sendToday(c)
	}
}

func (a *App) sendStatus(c context.Context) {
	jobs := a.sched.Snapshot()
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].At.Before(jobs[j].At) })

	var b strings.Builder
	fmt.Fprintf(&b, "Armed reminders: %d\n", len(jobs))
	fmt.Fprintf(&b, "Awaiting answer: %d\n", a.deliverer.Pending())
	for i, j := range jobs {
		if i >= 10 {
			fmt.Fprintf(&b, "… and %d more\n", len(jobs)-i)
			break
		}
		fmt.Fprintf(&b, "• %s at %s\n", j.Key, j.At.In(a.loc).Format("Mon 15:04"))
	}

	a.sendReply(c, b.String())
}

func (a *App) sendToday(c context.Context) {
	ctx, cancel := context.WithTimeout(c, 5*time.Second)
	defer cancel()

	schedules, err := a.store.SchedulesForDay(ctx, isoToday(a.loc))
	if err != nil {
		a.log.Warn("today lookup failed", logx.Err(err))
		return
	}
	if len(schedules) == 0 {
		a.sendReply(c, "Nothing scheduled today.")
		return
	}

	var b strings.Builder
	b.WriteString("Today's doses:\n")
	for _, s := range schedules {
		med, err := a.store.MedicineByID(ctx, s.MedicineID)
		if err != nil || med == nil {
			continue
		}
		taken, _ := a.recorder.IsTakenToday(ctx, s.MedicineID, s.ID)
		mark := "•"
		if taken {
			mark = "✅"
		}
		fmt.Fprintf(&b, "%s %s %s\n", mark, s.Time, med.Name)
	}
	a.sendReply(c, b.String())
}

func (a *App) sendReply(c context.Context, text string) {
	ctx, cancel := context.WithTimeout(c, 10*time.Second)
	defer cancel()
	if _, err := a.adapter.SendText(ctx, a.target, text, &transport.SendOptions{Silent: true}); err != nil {
		a.log.Warn("reply failed", logx.Err(err))
	}
}

func firstWord(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i]
	}
	return s
}
