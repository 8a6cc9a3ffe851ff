package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/jathurchan/accesslock/clock"
	"github.com/jathurchan/accesslock/logger"
	"github.com/jathurchan/accesslock/types"
)

const (
	// DefaultPollInterval is how often a subscribed mailbox is rescanned in
	// case a filesystem notification was missed.
	DefaultPollInterval = 500 * time.Millisecond

	// DefaultMailboxCapacity bounds undelivered event files per process.
	DefaultMailboxCapacity = 256

	eventSuffix = ".event"
	tmpSuffix   = ".tmp"
)

// MailboxOptions configures a Mailbox.
type MailboxOptions struct {
	// PollInterval is the rescan period backing up fsnotify.
	PollInterval time.Duration

	// Capacity is the maximum number of undelivered events kept per process.
	// Publishing beyond it removes the oldest events.
	Capacity int

	Clock  clock.Clock
	Logger logger.Logger
}

// DefaultMailboxOptions returns the default Mailbox configuration.
func DefaultMailboxOptions() MailboxOptions {
	return MailboxOptions{
		PollInterval: DefaultPollInterval,
		Capacity:     DefaultMailboxCapacity,
	}
}

// Mailbox is a Channel shared between processes through a directory.
//
// Every process owns "<dir>/<process>/". Publish drops one file per event
// into the recipient's directory with write-then-rename; the subscriber
// watches its directory with fsnotify, hands each event to its handler in
// file name order and deletes the file once the handler returns.
type Mailbox struct {
	dir  string
	opts MailboxOptions
	log  logger.Logger

	mu     sync.Mutex
	subs   map[types.ProcessID]*mailboxSub
	closed bool
}

var _ Channel = (*Mailbox)(nil)

// NewMailbox creates a Mailbox rooted at dir.
func NewMailbox(dir string, opts MailboxOptions) (*Mailbox, error) {
	if dir == "" {
		return nil, errors.New("notify: mailbox directory must not be empty")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultMailboxCapacity
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewStandardClock()
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNoOpLogger()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("notify: failed to create mailbox directory %q: %w", dir, err)
	}

	return &Mailbox{
		dir:  dir,
		opts: opts,
		log:  opts.Logger.WithComponent("mailbox"),
		subs: make(map[types.ProcessID]*mailboxSub),
	}, nil
}

func (m *Mailbox) Publish(ctx context.Context, process types.ProcessID, event types.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.isClosed() {
		return ErrClosed
	}
	box, err := m.boxDir(process)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(box, 0o755); err != nil {
		return fmt.Errorf("notify: failed to create mailbox %q: %w", box, err)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("notify: failed to encode event: %w", err)
	}

	var at int64
	if !event.At.IsZero() && event.At.UnixNano() > 0 {
		at = event.At.UnixNano()
	}
	name := fmt.Sprintf("%019d-%020d-%s%s", at, event.Seq, uuid.NewString(), eventSuffix)
	target := filepath.Join(box, name)
	tmp := target + tmpSuffix
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("notify: failed to write event file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("notify: failed to commit event file: %w", err)
	}

	m.trim(box, process)
	return nil
}

func (m *Mailbox) Subscribe(process types.ProcessID, handler Handler) error {
	if handler == nil {
		return ErrInvalidProcess
	}
	box, err := m.boxDir(process)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if _, ok := m.subs[process]; ok {
		return ErrAlreadySubscribed
	}

	if err := os.MkdirAll(box, 0o755); err != nil {
		return fmt.Errorf("notify: failed to create mailbox %q: %w", box, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("notify: failed to create watcher: %w", err)
	}
	if err := watcher.Add(box); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("notify: failed to watch %q: %w", box, err)
	}

	sub := &mailboxSub{
		process: process,
		box:     box,
		handler: handler,
		watcher: watcher,
		log:     m.log.WithProcess(process),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	m.subs[process] = sub
	go sub.run(m.opts.Clock, m.opts.PollInterval)

	m.log.Debugw("Subscribed to mailbox", "process", process, "dir", box)
	return nil
}

func (m *Mailbox) Unsubscribe(process types.ProcessID) error {
	m.mu.Lock()
	sub, ok := m.subs[process]
	if ok {
		delete(m.subs, process)
	}
	m.mu.Unlock()

	if !ok {
		return ErrNotSubscribed
	}
	sub.stop()
	return nil
}

func (m *Mailbox) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := m.subs
	m.subs = make(map[types.ProcessID]*mailboxSub)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	return nil
}

func (m *Mailbox) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// boxDir maps a process id to its mailbox directory.
func (m *Mailbox) boxDir(process types.ProcessID) (string, error) {
	name := url.PathEscape(string(process))
	if name == "" || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidProcess, process)
	}
	return filepath.Join(m.dir, name), nil
}

// trim removes the oldest events beyond capacity, which bounds the mailbox
// of a process that never subscribes.
func (m *Mailbox) trim(box string, process types.ProcessID) {
	names, err := listEvents(box)
	if err != nil {
		return
	}
	over := len(names) - m.opts.Capacity
	for i := 0; i < over; i++ {
		_ = os.Remove(filepath.Join(box, names[i]))
	}
	if over > 0 {
		m.log.Warnw("Mailbox full, dropped oldest events", "process", process, "dropped", over)
	}
}

type mailboxSub struct {
	process types.ProcessID
	box     string
	handler Handler
	watcher *fsnotify.Watcher
	log     logger.Logger

	done     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once
}

func (s *mailboxSub) run(clk clock.Clock, poll time.Duration) {
	defer close(s.exited)
	defer s.watcher.Close()

	ticker := clk.NewTicker(poll)
	defer ticker.Stop()

	s.drain()
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) != 0 && strings.HasSuffix(ev.Name, eventSuffix) {
				s.drain()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warnw("Mailbox watcher error", "error", err)
		case <-ticker.Chan():
			s.drain()
		}
	}
}

// drain delivers every pending event file in order.
func (s *mailboxSub) drain() {
	names, err := listEvents(s.box)
	if err != nil {
		s.log.Warnw("Failed to list mailbox", "dir", s.box, "error", err)
		return
	}

	for _, name := range names {
		select {
		case <-s.done:
			return
		default:
		}

		path := filepath.Join(s.box, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				s.log.Warnw("Failed to read event file", "file", name, "error", err)
			}
			continue
		}

		var ev types.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			s.log.Errorw("Discarding malformed event file", "file", name, "error", err)
			_ = os.Remove(path)
			continue
		}

		s.handler(ev)

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.log.Warnw("Failed to acknowledge event file", "file", name, "error", err)
		}
	}
}

func (s *mailboxSub) stop() {
	s.stopOnce.Do(func() { close(s.done) })
	<-s.exited
}

// listEvents returns committed event file names, oldest first.
func listEvents(box string) ([]string, error) {
	entries, err := os.ReadDir(box)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), eventSuffix) {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	return names, nil
}
