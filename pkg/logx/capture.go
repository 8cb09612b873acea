package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// CapturedLine is a decoded log line handed to a CaptureFunc.
type CapturedLine struct {
	At      time.Time
	Level   string
	Message string
	Comp    string
	Caller  string
	Err     string
	Stack   string
}

// CaptureFunc receives captured lines on the capture worker goroutine.
// It must not block for long; the queue in front of it is bounded.
type CaptureFunc func(line CapturedLine)

type captureHolder struct{ fn CaptureFunc }

func (s *Service) captureWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ln := <-s.captureQueue:
			h, _ := s.captureFn.Load().(captureHolder)
			if h.fn == nil {
				continue
			}
			h.fn(ln)
		}
	}
}

func (s *Service) enqueueCapture(ln CapturedLine) {
	// Never block core logging.
	select {
	case s.captureQueue <- ln:
	default:
		s.captureDrops.Add(1)
	}
}

// ---- capture writer (zerolog sink) ----

type captureWriter struct{ svc *Service }

func (w *captureWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *captureWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	if s == nil {
		return len(p), nil
	}

	s.mu.Lock()
	min := s.minCapture
	ignore := s.ignoreComps
	s.mu.Unlock()

	if level < min {
		return len(p), nil
	}

	ln, ok := decodeCaptured(p)
	if !ok {
		return len(p), nil
	}
	if _, skip := ignore[ln.Comp]; skip {
		return len(p), nil
	}
	s.enqueueCapture(ln)
	return len(p), nil
}

func decodeCaptured(p []byte) (CapturedLine, bool) {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		msg := strings.TrimSpace(string(p))
		if msg == "" {
			return CapturedLine{}, false
		}
		return CapturedLine{At: time.Now(), Message: truncate(msg, 2000)}, true
	}

	str := func(k string) string {
		v, ok := m[k]
		if !ok || v == nil {
			return ""
		}
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}

	ln := CapturedLine{
		At:      time.Now(),
		Level:   str(zerolog.LevelFieldName),
		Message: truncate(str(zerolog.MessageFieldName), 2000),
		Comp:    str("comp"),
		Caller:  str(zerolog.CallerFieldName),
		Err:     truncate(str(zerolog.ErrorFieldName), 2000),
		Stack:   truncate(str("stack"), 4000),
	}
	if ts := str(zerolog.TimestampFieldName); ts != "" {
		if t, err := time.Parse(consoleTimeFormat, ts); err == nil {
			ln.At = t
		}
	}
	if ln.Message == "" && ln.Err == "" {
		return CapturedLine{}, false
	}
	return ln, true
}
