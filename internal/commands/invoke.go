package commands

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	logx "errbot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

const defaultCommandTimeout = 10 * time.Second

// invoke runs one command handler under its deadline. A panic in the handler
// becomes the returned error. Exactly one outcome line is logged per request.
func (m *Manager) invoke(ctx context.Context, cmd Command, req *Request) (err error) {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	if req.Logger.IsZero() {
		req.Logger = m.log.With(logx.String("cmd", req.Command))
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			req.Logger.Error("command handler panicked",
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic: %v", r)
		}
		logCommandOutcome(req, time.Since(start), timeout, err)
	}()
	return cmd.Handle(cctx, req)
}

func logCommandOutcome(req *Request, d, timeout time.Duration, err error) {
	fields := []logx.Field{
		logx.String("outcome", commandOutcome(err)),
		logx.Int("args", len(req.Args)),
		logx.Duration("dur", d),
	}
	switch {
	case err != nil:
		req.Logger.Warn("command "+req.Command+" failed", append(fields, logx.Err(err))...)
	case d >= timeout/2:
		req.Logger.Info("command "+req.Command+" slow", fields...)
	default:
		req.Logger.Debug("command "+req.Command+" done", fields...)
	}
}

func commandOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
