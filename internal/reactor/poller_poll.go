//go:build unix && !linux

package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

// pollPoller is the portable fallback for unix systems without epoll.
type pollPoller struct {
	interest map[int]ioEvents
	fds      []unix.PollFd
}

func newPoller() (poller, error) {
	return &pollPoller{interest: make(map[int]ioEvents)}, nil
}

func (p *pollPoller) add(fd int, events ioEvents) error {
	p.interest[fd] = events
	return nil
}

func (p *pollPoller) modify(fd int, events ioEvents) error {
	p.interest[fd] = events
	return nil
}

func (p *pollPoller) remove(fd int) error {
	delete(p.interest, fd)
	return nil
}

func (p *pollPoller) wait(timeout time.Duration, out []readyEvent) ([]readyEvent, error) {
	p.fds = p.fds[:0]
	for fd, events := range p.interest {
		var mask int16
		if events&evRead != 0 {
			mask |= unix.POLLIN
		}
		if events&evWrite != 0 {
			mask |= unix.POLLOUT
		}
		p.fds = append(p.fds, unix.PollFd{Fd: int32(fd), Events: mask})
	}
	n, err := unix.Poll(p.fds, pollMillis(timeout))
	if err == unix.EINTR {
		return out, nil
	}
	if err != nil || n == 0 {
		return out, err
	}
	for _, pfd := range p.fds {
		if pfd.Revents == 0 {
			continue
		}
		var ready ioEvents
		if pfd.Revents&unix.POLLIN != 0 {
			ready |= evRead
		}
		if pfd.Revents&unix.POLLOUT != 0 {
			ready |= evWrite
		}
		if pfd.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			ready |= evError
		}
		out = append(out, readyEvent{fd: int(pfd.Fd), events: ready})
	}
	return out, nil
}

func (p *pollPoller) close() error {
	return nil
}
