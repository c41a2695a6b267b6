package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"remindme/internal/transport"
	logx "remindme/pkg/logx"
)

type fakeSender struct {
	mu      sync.Mutex
	sent    []string
	deleted []transport.MessageRef
	failN   int // fail the first N sends
	nextID  int
}

func (f *fakeSender) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failN > 0 {
		f.failN--
		return transport.MessageRef{}, errors.New("transient send failure")
	}
	f.nextID++
	f.sent = append(f.sent, text)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: f.nextID}, nil
}

func (f *fakeSender) DeleteMessage(ctx context.Context, ref transport.MessageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ref)
	return nil
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testConfig() Config {
	return Config{
		Enabled:    true,
		Workers:    1,
		QueueSize:  8,
		RatePerSec: 1000,
		RetryMax:   2,
		RetryBase:  time.Millisecond,
	}
}

func TestNotifyDeliversAsync(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	svc := New(testConfig(), sender, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop(context.Background())

	if err := svc.Notify(ctx, Alert{Target: transport.ChatTarget{ChatID: 1}, Text: "take your medicine"}); err != nil {
		t.Fatalf("notify: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for sender.sentCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("alert never delivered")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSendRetriesTransientFailures(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{failN: 2}
	svc := New(testConfig(), sender, logx.Nop(), nil)

	ref, err := svc.Send(context.Background(), Alert{Target: transport.ChatTarget{ChatID: 1}, Text: "hello"})
	if err != nil {
		t.Fatalf("send should succeed after retries: %v", err)
	}
	if ref.MessageID == 0 {
		t.Fatal("expected a message ref")
	}
	if got := sender.sentCount(); got != 1 {
		t.Fatalf("expected exactly one successful send, got %d", got)
	}
}

func TestSendGivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{failN: 10}
	svc := New(testConfig(), sender, logx.Nop(), nil)

	if _, err := svc.Send(context.Background(), Alert{Target: transport.ChatTarget{ChatID: 1}, Text: "hello"}); err == nil {
		t.Fatal("expected failure after exhausting retries")
	}
}

func TestNotifyWhenDisabled(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Enabled = false
	svc := New(cfg, &fakeSender{}, logx.Nop(), nil)
	if err := svc.Notify(context.Background(), Alert{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestRingerNudgesUntilSilenced(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	svc := New(testConfig(), sender, logx.Nop(), nil)
	ringer := NewRinger(svc, 10*time.Millisecond, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ringer.Ring(ctx, transport.ChatTarget{ChatID: 1}, "still waiting on Metformin")
	if !ringer.Active() {
		t.Fatal("expected active session")
	}

	deadline := time.After(2 * time.Second)
	for sender.sentCount() < 2 {
		select {
		case <-deadline:
			t.Fatal("ringer never nudged twice")
		case <-time.After(5 * time.Millisecond):
		}
	}

	ringer.Silence(context.Background(), sender)
	if ringer.Active() {
		t.Fatal("session should be gone after silence")
	}

	sender.mu.Lock()
	deleted := len(sender.deleted)
	sent := len(sender.sent)
	sender.mu.Unlock()
	if deleted != sent {
		t.Fatalf("expected all %d nudges deleted, got %d", sent, deleted)
	}
}

func TestRingerReplacesPreviousSession(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	svc := New(testConfig(), sender, logx.Nop(), nil)
	ringer := NewRinger(svc, time.Hour, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ringer.Ring(ctx, transport.ChatTarget{ChatID: 1}, "first")
	ringer.Ring(ctx, transport.ChatTarget{ChatID: 1}, "second")
	if !ringer.Active() {
		t.Fatal("expected the replacement session to be active")
	}
	ringer.Silence(context.Background(), sender)
	if ringer.Active() {
		t.Fatal("no session should remain")
	}
}
