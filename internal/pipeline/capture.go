package pipeline

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"

	logx "errbot/pkg/logx"
)

// Recover captures a panic as a KindPanic event. Use it deferred:
//
//	defer p.Recover()
//
// The panic is swallowed unless Config.Repanic is set.
func (p *Pipeline) Recover() {
	r := recover()
	if r == nil {
		return
	}
	p.ReportPanic(r, debug.Stack())
	if p.Config().Repanic {
		panic(r)
	}
}

// ReportPanic reports a recovered panic value with its stack.
func (p *Pipeline) ReportPanic(r any, stack []byte) bool {
	msg := fmt.Sprint(r)
	if err, ok := r.(error); ok {
		msg = err.Error()
	}
	s := string(stack)
	return p.Report(ErrorEvent{
		Kind:       KindPanic,
		Message:    msg,
		Stack:      s,
		SourceFile: panicSite(s),
	})
}

// Go runs fn on a new goroutine and reports any panic it raises.
func (p *Pipeline) Go(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.log.Warn("goroutine panicked", logx.String("name", name), logx.Any("panic", r))
				p.ReportPanic(r, debug.Stack())
			}
		}()
		fn()
	}()
}

// CaptureLine is a logx.CaptureFunc that turns error-level log lines into
// KindLogError events.
func (p *Pipeline) CaptureLine(ln logx.CapturedLine) {
	msg := ln.Message
	if ln.Err != "" {
		if msg == "" {
			msg = ln.Err
		} else {
			msg = msg + ": " + ln.Err
		}
	}
	if strings.TrimSpace(msg) == "" {
		return
	}
	p.Report(ErrorEvent{
		Kind:       KindLogError,
		Message:    msg,
		Stack:      ln.Stack,
		SourceFile: callerFile(ln.Caller),
		OccurredAt: ln.At,
	})
}

// callerFile strips the line number from a "file.go:123" caller.
func callerFile(caller string) string {
	if i := strings.LastIndexByte(caller, ':'); i > 0 {
		return caller[:i]
	}
	return caller
}

// panicSite finds the first frame below runtime.gopanic in a debug.Stack dump
// and returns its file name.
func panicSite(stack string) string {
	lines := strings.Split(stack, "\n")
	for i, l := range lines {
		if !strings.HasPrefix(l, "panic(") && !strings.Contains(l, "runtime.gopanic") {
			continue
		}
		// Function line, then "\tfile:line +0x.." for the frame that panicked.
		for j := i + 2; j+1 < len(lines); j += 2 {
			fn := strings.TrimSpace(lines[j])
			if strings.HasPrefix(fn, "runtime.") {
				continue
			}
			loc := strings.TrimSpace(lines[j+1])
			if k := strings.IndexByte(loc, ' '); k > 0 {
				loc = loc[:k]
			}
			return shortFile(callerFile(loc))
		}
	}
	return ""
}

func shortFile(path string) string {
	parts := strings.Split(path, "/")
	if len(parts) > 2 {
		parts = parts[len(parts)-2:]
	}
	return strings.Join(parts, "/")
}

// callerSite returns "dir/file.go" of the caller skip frames up.
func callerSite(skip int) string {
	_, file, _, ok := runtime.Caller(skip + 1)
	if !ok {
		return ""
	}
	return shortFile(file)
}
