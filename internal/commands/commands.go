package commands

import (
	"context"
	"errors"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"errbot/internal/pipeline"
	rtsup "errbot/internal/runtime/supervisor"
	"errbot/internal/transport"
	logx "errbot/pkg/logx"
)

// Source is the read-only view of the pipeline the commands report on.
type Source interface {
	Stats() pipeline.Stats
	Top(n int) []pipeline.ErrorRecord
	Record(sig string) (pipeline.ErrorRecord, bool)
}

// StatusFunc contributes extra "key: value" lines to /status.
type StatusFunc func() []string

type Command struct {
	Name        string
	Usage       string
	Description string
	Timeout     time.Duration
	Handle      HandlerFunc
}

type Request struct {
	Chat    transport.ChatTarget
	FromID  int64
	Command string
	Args    []string
	ReqID   string
	Logger  logx.Logger
}

// Manager routes chat commands from owners to handlers. Every command is
// read-only and owner-only.
type Manager struct {
	log    logx.Logger
	sender transport.Sender
	src    Source
	status StatusFunc
	now    func() time.Time
	start  time.Time

	mu     sync.RWMutex
	owners []int64
	cmds   map[string]Command
	order  []string

	jobs chan func()
}

type Option func(*Manager)

func WithStatus(fn StatusFunc) Option { return func(m *Manager) { m.status = fn } }

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func New(sender transport.Sender, src Source, owners []int64, log logx.Logger, opts ...Option) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		log:    log.With(logx.String("comp", "commands")),
		sender: sender,
		src:    src,
		now:    time.Now,
		cmds:   map[string]Command{},
		jobs:   make(chan func(), 64),
	}
	for _, o := range opts {
		o(m)
	}
	m.start = m.now()
	m.SetOwners(owners)
	m.registerBuiltins()
	return m
}

// SetOwners replaces the owner allowlist.
func (m *Manager) SetOwners(ids []int64) {
	cp := append([]int64(nil), ids...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *Manager) Register(c Command) error {
	name := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(c.Name), "/"))
	if name == "" || c.Handle == nil {
		return errors.New("command name and handler are required")
	}
	c.Name = name
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.cmds[name]; dup {
		return errors.New("duplicate command: " + name)
	}
	m.cmds[name] = c
	m.order = append(m.order, name)
	return nil
}

// Commands lists registered commands in registration order.
func (m *Manager) Commands() []Command {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Command, 0, len(m.order))
	for _, n := range m.order {
		out = append(out, m.cmds[n])
	}
	return out
}

// DispatchLoop consumes updates until ctx is done or the channel closes.
func (m *Manager) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	if workers > 4 {
		workers = 4
	}
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(m.log), rtsup.WithCancelOnError(false))
	for i := 0; i < workers; i++ {
		sup.GoRestart("command.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					job()
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
			rtsup.WithStopOnCleanExit(true),
		)
	}
	m.log.Info("command dispatcher started", logx.Int("workers", workers))
	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.enqueue(ctx, up)
		}
	}
}

func (m *Manager) enqueue(ctx context.Context, up transport.Update) {
	select {
	case m.jobs <- func() { m.Dispatch(ctx, up) }:
	default:
		if up.Message != nil {
			m.reply(ctx, transport.ChatTarget{ChatID: up.Message.ChatID, ThreadID: up.Message.ThreadID}, "busy, try again", nil)
		}
	}
}

// Dispatch handles one update synchronously. Non-command text is ignored.
func (m *Manager) Dispatch(ctx context.Context, up transport.Update) {
	if up.Kind != transport.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message
	name, args, ok := parseCommand(msg.Text)
	if !ok {
		return
	}
	chat := transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	m.mu.RLock()
	cmd, known := m.cmds[name]
	owner := isOwner(msg.FromID, m.owners)
	m.mu.RUnlock()

	if !owner {
		m.log.Debug("command from non-owner ignored", logx.Int64("from_id", msg.FromID), logx.String("cmd", name))
		m.reply(ctx, chat, "unauthorized", nil)
		return
	}
	if !known {
		m.reply(ctx, chat, "unknown command, try /help", nil)
		return
	}

	rid := uuid.NewString()[:8]
	req := &Request{
		Chat:    chat,
		FromID:  msg.FromID,
		Command: name,
		Args:    args,
		ReqID:   rid,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", chat.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", name),
		),
	}
	if err := m.invoke(ctx, cmd, req); err != nil {
		m.reply(ctx, chat, "command failed: "+err.Error(), nil)
	}
}

func (m *Manager) reply(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) {
	if m.sender == nil {
		return
	}
	if _, err := m.sender.SendText(ctx, to, text, opt); err != nil {
		m.log.Debug("reply failed", logx.Err(err))
	}
}

// parseCommand splits "/name@bot arg1 arg2" into its lowercase name and args.
func parseCommand(text string) (string, []string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	parts := strings.Fields(text)
	name := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "", nil, false
	}
	return strings.ToLower(name), parts[1:], true
}

func isOwner(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}
