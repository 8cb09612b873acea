package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "errbot/internal/runtime/supervisor"
	"errbot/internal/transport"
	logx "errbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// Poll disables long polling when false; the adapter then only sends.
	Poll bool
	// SendTimeout bounds each Bot API request. Long polling raises it to
	// cover PollTimeout.
	SendTimeout time.Duration
}

func (c Config) httpTimeout() time.Duration {
	t := c.SendTimeout
	if t <= 0 {
		t = 10 * time.Second
	}
	if c.Poll && t < c.PollTimeout+5*time.Second {
		t = c.PollTimeout + 5*time.Second
	}
	return t
}

// Command is a bot menu entry registered with setMyCommands.
type Command struct {
	Name        string
	Description string
}

// Adapter is a telebot-backed transport.Adapter.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // chan<- transport.Update
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	droppedUpdates atomic.Uint64
}

var _ transport.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram: token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	// Offline skips getMe so a bad token or an unreachable API never blocks
	// startup; send failures surface through the caller's retry path instead.
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: cfg.PollTimeout},
		Client:  &http.Client{Timeout: cfg.httpTimeout()},
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: b}
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.bot.Handle(tele.OnText, a.onText)
	return a, nil
}

// Supervisor returns the polling supervisor (nil if not started).
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Chat == nil {
		return nil
	}
	msg := &transport.Message{
		ID:       m.ID,
		ChatID:   m.Chat.ID,
		ThreadID: m.ThreadID,
		Text:     m.Text,
	}
	if m.Sender != nil {
		msg.FromID = m.Sender.ID
		msg.FromUsername = m.Sender.Username
	}
	out, _ := a.out.Load().(chan<- transport.Update)
	if out == nil {
		return nil
	}
	select {
	case out <- transport.Update{Kind: transport.UpdateMessage, Message: msg}:
	default:
		a.droppedUpdates.Add(1)
	}
	return nil
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	if !a.cfg.Poll {
		a.log.Info("polling disabled, send only")
		return nil
	}

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDrops(cap(out))
				return
			case <-ticker.C:
				a.reportDrops(cap(out))
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// telebot's Start blocks until Stop; restart it if it returns early.
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		if a.bot.Me == nil || a.bot.Me.Username == "" {
			a.identify()
		}
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

// identify fills in the bot's own user so "/cmd@name" addressing works. It
// runs on the polling goroutine before telebot reads Me.
func (a *Adapter) identify() {
	data, err := a.bot.Raw("getMe", nil)
	if err != nil {
		a.log.Warn("getMe failed, /cmd@name addressing disabled", logx.Err(err))
		return
	}
	var resp struct {
		Result *tele.User `json:"result"`
	}
	if err := json.Unmarshal(data, &resp); err != nil || resp.Result == nil {
		a.log.Warn("getMe returned no user", logx.Err(err))
		return
	}
	a.bot.Me = resp.Result
	a.log.Info("bot identity resolved", logx.String("username", resp.Result.Username))
}

func (a *Adapter) reportDrops(capacity int) {
	if n := a.droppedUpdates.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()
	if a.cfg.Poll {
		go a.bot.Stop()
	}

	// Long polling may hold a request open; cap the wait.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

// SendText sends text, split on newline boundaries into as many messages as
// the length limit requires. The returned ref points at the first message.
func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}

	var first transport.MessageRef
	for i, chunk := range splitText(text, TextLimit, opt.ParseMode) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, fmt.Errorf("telegram: send chunk %d: %w", i, err)
		}
		if i == 0 {
			first = transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// SetCommands publishes the bot's command menu.
func (a *Adapter) SetCommands(cmds []Command) error {
	list := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Name == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Name
		}
		list = append(list, tele.Command{Text: c.Name, Description: d})
	}
	if err := a.bot.SetCommands(list); err != nil {
		return fmt.Errorf("telegram: set commands: %w", err)
	}
	a.log.Info("menu commands updated", logx.Int("count", len(list)))
	return nil
}
