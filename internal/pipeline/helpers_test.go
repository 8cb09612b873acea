package pipeline

import (
	"context"
	"sync"
	"time"

	"errbot/internal/transport"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type sentMsg struct {
	To   transport.ChatTarget
	Text string
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []sentMsg
	err   error
	errTo map[int64]error
}

func (f *fakeSender) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errTo[to.ChatID]; err != nil {
		return transport.MessageRef{}, err
	}
	if f.err != nil {
		return transport.MessageRef{}, f.err
	}
	f.sent = append(f.sent, sentMsg{To: to, Text: text})
	return transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: len(f.sent)}, nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSender) countTo(chatID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.sent {
		if m.To.ChatID == chatID {
			n++
		}
	}
	return n
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func ev(kind, msg string, at time.Time) ErrorEvent {
	return ErrorEvent{Kind: kind, Message: msg, SourceFile: "svc/worker.go", OccurredAt: at}
}
