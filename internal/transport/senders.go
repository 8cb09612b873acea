package transport

import (
	"context"
	"errors"

	logx "errbot/pkg/logx"
)

// NopSender logs messages locally instead of delivering them. It is used
// when no chat credentials are configured so the host process keeps running.
type NopSender struct {
	Log logx.Logger
}

func (s NopSender) SendText(_ context.Context, to ChatTarget, text string, _ *SendOptions) (MessageRef, error) {
	s.Log.Info("notification (no sink configured)", logx.Int64("chat_id", to.ChatID), logx.Int("len", len(text)))
	return MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID}, nil
}

// MultiSender delivers to a primary sender and mirrors to secondaries.
// Mirrors only see messages the primary accepted, so a retried delivery is
// mirrored once. Only the primary's error is returned; mirror failures go to
// OnMirrorError.
type MultiSender struct {
	Primary       Sender
	Mirrors       []Sender
	OnMirrorError func(err error)
}

func (m *MultiSender) SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error) {
	if m.Primary == nil {
		return MessageRef{}, errors.New("multisender: primary is nil")
	}
	ref, err := m.Primary.SendText(ctx, to, text, opt)
	if err != nil {
		return ref, err
	}
	for _, s := range m.Mirrors {
		if s == nil {
			continue
		}
		if _, merr := s.SendText(ctx, to, text, opt); merr != nil && m.OnMirrorError != nil {
			m.OnMirrorError(merr)
		}
	}
	return ref, nil
}
