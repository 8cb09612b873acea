package app

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// statusLines feeds the /status command.
func (a *App) statusLines() []string {
	done, rejected, panics := a.notif.Counters()
	lines := []string{
		"sink breaker: " + a.guard.BreakerState(),
		fmt.Sprintf("dispatch queue: %d (done %s, rejected %s, panics %d)",
			a.notif.Depth(), humanize.Comma(int64(done)), humanize.Comma(int64(rejected)), panics),
		fmt.Sprintf("nats mirror: %t", a.mirror != nil),
		fmt.Sprintf("storage: %t", a.store != nil),
	}
	if timers := a.pipe.Timers(); len(timers) > 0 {
		names := make([]string, 0, len(timers))
		for _, t := range timers {
			names = append(names, t.Name)
		}
		lines = append(lines, "timers: "+strings.Join(names, ", "))
	}
	if drops := a.logs.CaptureDrops(); drops > 0 {
		lines = append(lines, "log capture drops: "+humanize.Comma(int64(drops)))
	}
	if drops := a.bus.Dropped(); drops > 0 {
		lines = append(lines, "event drops: "+humanize.Comma(int64(drops)))
	}
	return lines
}
