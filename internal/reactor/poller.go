package reactor

import "time"

type ioEvents uint8

const (
	evRead ioEvents = 1 << iota
	evWrite
	evError
)

type readyEvent struct {
	fd     int
	events ioEvents
}

// poller is the readiness-notification backend. Implementations are not
// goroutine-safe; only the reactor goroutine touches them.
type poller interface {
	add(fd int, events ioEvents) error
	modify(fd int, events ioEvents) error
	remove(fd int) error
	// wait blocks for at most timeout and appends ready descriptors to
	// events. EINTR is reported as zero events.
	wait(timeout time.Duration, events []readyEvent) ([]readyEvent, error)
	close() error
}

// pollMillis rounds up so the poller never wakes before the next task is due.
func pollMillis(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}
