// Package natsmirror publishes every outgoing notification to a NATS subject
// so other services can consume the same stream.
package natsmirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"errbot/internal/transport"
	logx "errbot/pkg/logx"
)

type Config struct {
	URL     string
	Subject string
	// Name identifies the connection on the server.
	Name string
}

// Payload is the JSON body of each mirrored message.
type Payload struct {
	ChatID    int64     `json:"chat_id"`
	ThreadID  int       `json:"thread_id,omitempty"`
	ParseMode string    `json:"parse_mode,omitempty"`
	Text      string    `json:"text"`
	At        time.Time `json:"at"`
}

type publisher interface {
	PublishMsg(m *nats.Msg) error
}

// Mirror is a transport.Sender backed by NATS core publish.
type Mirror struct {
	subject string
	pub     publisher
	conn    *nats.Conn
	log     logx.Logger
	now     func() time.Time
}

var _ transport.Sender = (*Mirror)(nil)

// Dial connects with unlimited reconnects; publishes during a disconnect are
// buffered by the client.
func Dial(cfg Config, log logx.Logger) (*Mirror, error) {
	if cfg.URL == "" || cfg.Subject == "" {
		return nil, errors.New("natsmirror: url and subject are required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "natsmirror"))
	name := cfg.Name
	if name == "" {
		name = "errbot"
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", logx.Err(err))
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("natsmirror: connect: %w", err)
	}
	m := newMirror(cfg.Subject, nc, log)
	m.conn = nc
	return m, nil
}

func newMirror(subject string, pub publisher, log logx.Logger) *Mirror {
	return &Mirror{subject: subject, pub: pub, log: log, now: time.Now}
}

func (m *Mirror) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return transport.MessageRef{}, err
	}
	p := Payload{ChatID: to.ChatID, ThreadID: to.ThreadID, Text: text, At: m.now().UTC()}
	if opt != nil {
		p.ParseMode = opt.ParseMode
	}
	body, err := json.Marshal(p)
	if err != nil {
		return transport.MessageRef{}, err
	}
	msg := nats.NewMsg(m.subject)
	msg.Data = body
	msg.Header.Set("Errbot-Chat", strconv.FormatInt(to.ChatID, 10))
	if err := m.pub.PublishMsg(msg); err != nil {
		return transport.MessageRef{}, fmt.Errorf("natsmirror: publish: %w", err)
	}
	return transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID}, nil
}

// Close flushes pending publishes and closes the connection.
func (m *Mirror) Close() error {
	if m.conn == nil {
		return nil
	}
	err := m.conn.Drain()
	if err != nil {
		m.conn.Close()
	}
	return err
}
