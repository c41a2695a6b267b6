// Package alert delivers outbound messages: an async pipeline (queue +
// worker pool + rate limit + retry) for one-off notices, and ring sessions
// that keep nudging until a reminder is answered.
package alert

import (
	"context"
	"errors"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"remindme/internal/eventbus"
	"remindme/internal/transport"
	logx "remindme/pkg/logx"
)

var (
	ErrDisabled  = errors.New("alerts disabled")
	ErrQueueFull = errors.New("alert queue full")
	ErrStopped   = errors.New("alert service stopped")
)

// Sender is the slice of the transport adapter the pipeline needs.
type Sender interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
	DeleteMessage(ctx context.Context, ref transport.MessageRef) error
}

// Alert is one outbound message.
type Alert struct {
	Priority int // 0 low .. 10 high
	Target   transport.ChatTarget
	Text     string
	Options  *transport.SendOptions
}

// AlertEvent is the bus payload for sent/failed/dropped alerts.
type AlertEvent struct {
	ChatID   int64
	Priority int
	At       time.Time
	Error    string
}

// Service is the async alert pipeline. Safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	bus    eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan Alert
	stopDone chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{sender: sender, log: log, bus: bus}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps config at runtime. Queue size and worker count only take
// effect on the next Start; rate and retry settings apply immediately.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.normalize()
	s.cfg = cfg
	// Burst equals the per-second rate so short spikes don't stall.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan Alert, s.cfg.QueueSize)
	s.accepting = true
	s.stopDone = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	workers := s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		i := i
		s.workerWG.Add(1)
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in alert worker",
						logx.Int("worker", i), logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			s.workerLoop()
		}()
	}
}

// Stop stops intake and drains the queue best-effort until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q := s.queue
	done := s.stopDone
	cancel := s.runCancel
	if q == nil {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.mu.Unlock()

	// Wait for in-flight enqueues before closing the queue.
	ch := make(chan struct{})
	go func() {
		s.sendWG.Wait()
		close(ch)
	}()
	select {
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		return
	case <-ch:
	}

	func() {
		defer func() { _ = recover() }()
		close(q)
	}()

	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
	case <-done:
	}
	if cancel != nil {
		cancel()
	}

	s.mu.Lock()
	s.queue = nil
	s.stopDone = nil
	s.runCancel = nil
	s.runCtx = nil
	s.mu.Unlock()
}

// Notify enqueues an alert for async delivery. Full queue drops the alert
// rather than blocking the caller.
func (s *Service) Notify(ctx context.Context, a Alert) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- a:
		return nil
	default:
		s.publish(eventbus.TypeAlertDropped, a, ErrQueueFull)
		return ErrQueueFull
	}
}

// Send delivers synchronously with rate limiting and retry, returning the
// sent message ref. Ring sessions use this path because they need the ref.
func (s *Service) Send(ctx context.Context, a Alert) (transport.MessageRef, error) {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	s.mu.Unlock()
	if !enabled {
		return transport.MessageRef{}, ErrDisabled
	}
	return s.sendWithRetry(ctx, a)
}

func (s *Service) workerLoop() {
	s.mu.Lock()
	q := s.queue
	runCtx := s.runCtx
	s.mu.Unlock()

	for a := range q {
		if runCtx != nil {
			select {
			case <-runCtx.Done():
				return
			default:
			}
		}
		_, _ = s.sendWithRetry(runCtx, a)
	}
}

func (s *Service) sendWithRetry(ctx context.Context, a Alert) (transport.MessageRef, error) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	sender := s.sender
	s.mu.Unlock()

	if sender == nil || a.Text == "" {
		return transport.MessageRef{}, errors.New("nothing to send")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	text := prefixForPriority(a.Priority) + a.Text
	maxAttempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return transport.MessageRef{}, err
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		ref, err := sender.SendText(callCtx, a.Target, text, a.Options)
		cancel()
		if err == nil {
			s.publish(eventbus.TypeAlertSent, a, nil)
			return ref, nil
		}
		lastErr = err
		s.log.Debug("alert send failed", logx.Err(err),
			logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			break
		}
		delay := retryDelay(cfg, attempt)
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return transport.MessageRef{}, ctx.Err()
		}
	}

	s.publish(eventbus.TypeAlertFailed, a, lastErr)
	return transport.MessageRef{}, lastErr
}

func (s *Service) publish(typ string, a Alert, err error) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev := AlertEvent{ChatID: a.Target.ChatID, Priority: a.Priority, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

func prefixForPriority(p int) string {
	switch {
	case p >= 9:
		return "🚨 "
	case p >= 7:
		return "⏰ "
	case p >= 5:
		return "ℹ️ "
	default:
		return ""
	}
}

func retryDelay(cfg Config, attempt int) time.Duration {
	base := cfg.RetryBase
	maxD := cfg.RetryMaxDelay
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
