// Package storage maps the byte space of a transfer onto its files and
// keeps the file handles of all transfers in one bounded pool.
package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/spf13/afero"
)

var (
	ErrFileInUse     = errors.New("file owned by another transfer")
	ErrNotRegistered = errors.New("file not registered")
)

type handle struct {
	name     string
	file     afero.File
	writable bool

	prev, next *handle // LRU links, set only while the file is open
}

// HandlePool hands out file handles to every running transfer. Each file
// name belongs to a single owner. Once more names are registered than
// maxOpen, handles are closed least recently used first to stay under it.
type HandlePool struct {
	fs      afero.Fs
	maxOpen int
	log     *slog.Logger

	mu      sync.Mutex
	owners  map[string]string
	handles map[string]*handle
	// head is the most recently used open handle, tail the least.
	head, tail *handle
	open       int
}

func NewHandlePool(fs afero.Fs, maxOpen int, logger *slog.Logger) *HandlePool {
	if maxOpen < 1 {
		maxOpen = 1
	}
	return &HandlePool{
		fs:      fs,
		maxOpen: maxOpen,
		log:     logger,
		owners:  make(map[string]string),
		handles: make(map[string]*handle),
	}
}

func (p *HandlePool) Fs() afero.Fs { return p.fs }

// Register claims names for owner. Nothing is claimed if any name is
// already owned by someone else.
func (p *HandlePool) Register(owner string, names ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, name := range names {
		if current, ok := p.owners[name]; ok && current != owner {
			return fmt.Errorf("%w: %s", ErrFileInUse, name)
		}
	}
	for _, name := range names {
		p.owners[name] = owner
	}
	return nil
}

// Release closes and forgets every file owned by owner.
func (p *HandlePool) Release(owner string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for name, current := range p.owners {
		if current != owner {
			continue
		}
		if h, ok := p.handles[name]; ok {
			if err := p.closeHandle(h); err != nil {
				errs = append(errs, err)
			}
			delete(p.handles, name)
		}
		delete(p.owners, name)
	}
	return errors.Join(errs...)
}

func (p *HandlePool) ReadAt(name string, b []byte, off int64) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := p.acquire(name, false)
	if err != nil {
		return 0, err
	}
	return f.ReadAt(b, off)
}

func (p *HandlePool) WriteAt(name string, b []byte, off int64) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := p.acquire(name, true)
	if err != nil {
		return 0, err
	}
	return f.WriteAt(b, off)
}

// IsOpen reports whether name currently has an open handle.
func (p *HandlePool) IsOpen(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handles[name]
	return ok && h.file != nil
}

// OpenCount is the number of open handles.
func (p *HandlePool) OpenCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

func (p *HandlePool) acquire(name string, write bool) (afero.File, error) {
	if _, ok := p.owners[name]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	h, ok := p.handles[name]
	if !ok {
		h = &handle{name: name}
		p.handles[name] = h
	}
	if h.file != nil {
		if !write || h.writable {
			p.moveToFront(h)
			return h.file, nil
		}
		if err := p.closeHandle(h); err != nil {
			return nil, err
		}
	}

	if len(p.owners) > p.maxOpen {
		for p.open >= p.maxOpen && p.tail != nil {
			p.log.Debug("evicting file handle", slog.String("file", p.tail.name))
			if err := p.closeHandle(p.tail); err != nil {
				return nil, err
			}
		}
	}

	flag := os.O_RDONLY
	if write {
		flag = os.O_RDWR
	}
	f, err := p.fs.OpenFile(name, flag, 0o644)
	if err != nil {
		return nil, err
	}
	h.file = f
	h.writable = write
	p.pushFront(h)
	p.open++
	return f, nil
}

func (p *HandlePool) closeHandle(h *handle) error {
	if h.file == nil {
		return nil
	}
	p.unlink(h)
	p.open--
	err := h.file.Close()
	h.file = nil
	h.writable = false
	return err
}

func (p *HandlePool) pushFront(h *handle) {
	h.prev = nil
	h.next = p.head
	if p.head != nil {
		p.head.prev = h
	}
	p.head = h
	if p.tail == nil {
		p.tail = h
	}
}

func (p *HandlePool) unlink(h *handle) {
	if h.prev != nil {
		h.prev.next = h.next
	} else {
		p.head = h.next
	}
	if h.next != nil {
		h.next.prev = h.prev
	} else {
		p.tail = h.prev
	}
	h.prev, h.next = nil, nil
}

func (p *HandlePool) moveToFront(h *handle) {
	if p.head == h {
		return
	}
	p.unlink(h)
	p.pushFront(h)
}
