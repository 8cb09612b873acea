package commands

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"errbot/internal/pipeline"
	"errbot/internal/transport"
	logx "errbot/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const owner int64 = 42

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type sent struct {
	to   transport.ChatTarget
	text string
	opt  *transport.SendOptions
}

type recordingSender struct {
	mu  sync.Mutex
	out []sent
}

func (r *recordingSender) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, sent{to: to, text: text, opt: opt})
	return transport.MessageRef{ChatID: to.ChatID}, nil
}

func (r *recordingSender) last() sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.out) == 0 {
		return sent{}
	}
	return r.out[len(r.out)-1]
}

func (r *recordingSender) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.out)
}

type fakeSource struct {
	stats pipeline.Stats
	recs  []pipeline.ErrorRecord
}

func (f fakeSource) Stats() pipeline.Stats { return f.stats }

func (f fakeSource) Top(n int) []pipeline.ErrorRecord {
	if n < len(f.recs) {
		return f.recs[:n]
	}
	return f.recs
}

func (f fakeSource) Record(sig string) (pipeline.ErrorRecord, bool) {
	for _, r := range f.recs {
		if r.Signature == sig {
			return r, true
		}
	}
	return pipeline.ErrorRecord{}, false
}

func newTestManager(src Source) (*Manager, *recordingSender) {
	s := &recordingSender{}
	m := New(s, src, []int64{owner}, logx.Nop(), WithClock(func() time.Time { return t0 }))
	return m, s
}

func msg(from int64, text string) transport.Update {
	return transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{ChatID: 7, FromID: from, Text: text}}
}

func TestParseCommand(t *testing.T) {
	name, args, ok := parseCommand("  /Errors@errbot 5 extra ")
	require.True(t, ok)
	assert.Equal(t, "errors", name)
	assert.Equal(t, []string{"5", "extra"}, args)

	_, _, ok = parseCommand("hello")
	assert.False(t, ok)
	_, _, ok = parseCommand("/")
	assert.False(t, ok)
}

func TestNonOwnerIsRejected(t *testing.T) {
	m, s := newTestManager(fakeSource{})
	m.Dispatch(context.Background(), msg(999, "/stats"))
	assert.Equal(t, "unauthorized", s.last().text)
}

func TestPlainTextIsIgnored(t *testing.T) {
	m, s := newTestManager(fakeSource{})
	m.Dispatch(context.Background(), msg(owner, "just chatting"))
	assert.Equal(t, 0, s.len())
}

func TestUnknownCommand(t *testing.T) {
	m, s := newTestManager(fakeSource{})
	m.Dispatch(context.Background(), msg(owner, "/reboot"))
	assert.Contains(t, s.last().text, "unknown command")
}

func TestStatsCommand(t *testing.T) {
	m, s := newTestManager(fakeSource{stats: pipeline.Stats{
		Sent:             1500,
		SinkFailures:     2,
		QueueDepthByTier: map[string]int{"LOW": 3, "CRITICAL": 1},
	}})
	m.Dispatch(context.Background(), msg(owner, "/stats"))

	out := s.last()
	assert.Equal(t, int64(7), out.to.ChatID)
	assert.Contains(t, out.text, "sent: 1,500")
	assert.Contains(t, out.text, "sink failures: 2")
	assert.Less(t, strings.Index(out.text, "queue CRITICAL"), strings.Index(out.text, "queue LOW"))
}

func TestStatusIncludesExtraLines(t *testing.T) {
	s := &recordingSender{}
	m := New(s, fakeSource{stats: pipeline.Stats{TotalSignatures: 12, QueueDepthByTier: map[string]int{"HIGH": 2}}}, []int64{owner}, logx.Nop(),
		WithStatus(func() []string { return []string{"breaker: closed"} }))
	m.Dispatch(context.Background(), msg(owner, "/status"))

	out := s.last().text
	assert.Contains(t, out, "signatures: 12")
	assert.Contains(t, out, "queued: 2")
	assert.Contains(t, out, "breaker: closed")
}

func TestErrorsCommandListsSignatures(t *testing.T) {
	src := fakeSource{recs: []pipeline.ErrorRecord{
		{Signature: "NETWORK:aa", Category: pipeline.CategoryNetwork, Tier: pipeline.TierHigh, Count: 6, LastSeen: t0},
		{Signature: "GENERAL:bb", Category: pipeline.CategoryGeneral, Tier: pipeline.TierLow, Count: 1, LastSeen: t0},
	}}
	m, s := newTestManager(src)

	m.Dispatch(context.Background(), msg(owner, "/errors 1"))
	out := s.last()
	assert.Equal(t, transport.ParseModeMarkdownV2, out.opt.ParseMode)
	assert.Contains(t, out.text, "`NETWORK:aa`")
	assert.NotContains(t, out.text, "GENERAL:bb")

	m.Dispatch(context.Background(), msg(owner, "/errors zero"))
	assert.Equal(t, "usage: /errors [n]", s.last().text)
}

func TestErrorCommandShowsSummary(t *testing.T) {
	src := fakeSource{recs: []pipeline.ErrorRecord{
		{Signature: "NETWORK:aa", Category: pipeline.CategoryNetwork, Tier: pipeline.TierHigh, Count: 6, FirstSeen: t0, LastSeen: t0, Samples: []string{"dial tcp: refused"}},
	}}
	m, s := newTestManager(src)

	m.Dispatch(context.Background(), msg(owner, "/error NETWORK:aa"))
	assert.Contains(t, s.last().text, "dial tcp: refused")

	m.Dispatch(context.Background(), msg(owner, "/error nope"))
	assert.Equal(t, "no such signature", s.last().text)
}

func TestHelpListsBuiltins(t *testing.T) {
	m, s := newTestManager(fakeSource{})
	m.Dispatch(context.Background(), msg(owner, "/help"))
	for _, name := range []string{"/status", "/stats", "/errors [n]", "/error <signature>", "/help"} {
		assert.Contains(t, s.last().text, name)
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	m, _ := newTestManager(fakeSource{})
	err := m.Register(Command{Name: "/status", Handle: func(context.Context, *Request) error { return nil }})
	assert.Error(t, err)
}

func TestPanickingHandlerReportsFailure(t *testing.T) {
	m, s := newTestManager(fakeSource{})
	require.NoError(t, m.Register(Command{Name: "boom", Handle: func(context.Context, *Request) error { panic("kaput") }}))
	m.Dispatch(context.Background(), msg(owner, "/boom"))
	assert.Contains(t, s.last().text, "command failed: panic: kaput")
}

func TestDispatchLoopServesUpdates(t *testing.T) {
	m, s := newTestManager(fakeSource{})
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan transport.Update, 4)
	done := make(chan error, 1)
	go func() { done <- m.DispatchLoop(ctx, updates) }()

	updates <- msg(owner, "/help")
	require.Eventually(t, func() bool { return s.len() == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch loop did not stop")
	}
}

func TestHandlerDeadlineIsReportedAndLogged(t *testing.T) {
	var buf bytes.Buffer
	s := &recordingSender{}
	m := New(s, fakeSource{}, []int64{owner}, logx.NewWriter(&buf, "debug"))
	require.NoError(t, m.Register(Command{
		Name:    "slowpoke",
		Timeout: 20 * time.Millisecond,
		Handle: func(ctx context.Context, _ *Request) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}))

	m.Dispatch(context.Background(), msg(owner, "/slowpoke a b"))

	assert.Equal(t, "command failed: context deadline exceeded", s.last().text)
	out := buf.String()
	assert.Contains(t, out, `"message":"command slowpoke failed"`)
	assert.Contains(t, out, `"outcome":"timeout"`)
	assert.Contains(t, out, `"args":2`)
	assert.Contains(t, out, `"rid":"`)
}

func TestSuccessfulCommandLogsOneOutcomeLine(t *testing.T) {
	var buf bytes.Buffer
	s := &recordingSender{}
	m := New(s, fakeSource{}, []int64{owner}, logx.NewWriter(&buf, "debug"))

	m.Dispatch(context.Background(), msg(owner, "/help"))

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, `"outcome":"ok"`))
	assert.Contains(t, out, `"message":"command help done"`)
}
