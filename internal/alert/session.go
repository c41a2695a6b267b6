package alert

import (
	"context"
	"sync"
	"time"

	"remindme/internal/transport"
	logx "remindme/pkg/logx"
)

// Ringer keeps at most one ring session alive: repeated nudges for a
// reminder nobody has answered yet. Starting a new session stops the
// previous one, so only the latest reminder rings.
type Ringer struct {
	mu       sync.Mutex
	svc      *Service
	log      logx.Logger
	interval time.Duration
	active   *ringSession
}

type ringSession struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	nudges []transport.MessageRef
}

func NewRinger(svc *Service, interval time.Duration, log logx.Logger) *Ringer {
	if interval <= 0 {
		interval = time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ringer{svc: svc, log: log, interval: interval}
}

// Ring starts a nudge loop for the given target. The first nudge goes out
// after one interval; the primary reminder message is the caller's job.
func (r *Ringer) Ring(ctx context.Context, target transport.ChatTarget, text string) {
	r.mu.Lock()
	prev := r.active
	sctx, cancel := context.WithCancel(ctx)
	sess := &ringSession{cancel: cancel, done: make(chan struct{})}
	r.active = sess
	interval := r.interval
	r.mu.Unlock()

	if prev != nil {
		prev.stop()
	}

	go func() {
		defer close(sess.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-sctx.Done():
				return
			case <-ticker.C:
				ref, err := r.svc.Send(sctx, Alert{
					Priority: 9,
					Target:   target,
					Text:     text,
					Options:  &transport.SendOptions{},
				})
				if err != nil {
					r.log.Debug("ring nudge failed", logx.Err(err))
					continue
				}
				sess.mu.Lock()
				sess.nudges = append(sess.nudges, ref)
				sess.mu.Unlock()
			}
		}
	}()
}

// Silence stops the active session, if any, and deletes its nudge messages
// so answered reminders stop cluttering the chat.
func (r *Ringer) Silence(ctx context.Context, sender Sender) {
	r.mu.Lock()
	sess := r.active
	r.active = nil
	r.mu.Unlock()

	if sess == nil {
		return
	}
	sess.stop()

	sess.mu.Lock()
	nudges := append([]transport.MessageRef(nil), sess.nudges...)
	sess.mu.Unlock()

	for _, ref := range nudges {
		if err := sender.DeleteMessage(ctx, ref); err != nil {
			r.log.Debug("nudge cleanup failed", logx.Err(err),
				logx.Int("message_id", ref.MessageID))
		}
	}
}

// Active reports whether a ring session is currently running.
func (r *Ringer) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

func (s *ringSession) stop() {
	s.cancel()
	<-s.done
}
