package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// JobKind enumerates the driver operations a Storage queue serializes
// (spec §4.4).
type JobKind int

const (
	Load JobKind = iota
	Save
	Destroy
	Migrate
)

func (k JobKind) String() string {
	switch k {
	case Load:
		return "LOAD"
	case Save:
		return "SAVE"
	case Destroy:
		return "DESTROY"
	case Migrate:
		return "MIGRATE"
	default:
		return "UNKNOWN"
	}
}

type job struct {
	kind       JobKind
	id         string
	fromDriver Driver // only for Migrate
	done       chan error
}

// Storage serializes Driver access per session, queuing concurrent jobs so
// that "at most one driver call is in flight at any moment" for a given
// session id (spec §4.4, §8 invariant "Session serialization").
type Storage struct {
	mu      sync.Mutex
	busy    bool
	queue   []job
	started bool

	driver Driver
	sess   *Session
	logger *slog.Logger

	lastErr error
}

// NewStorage returns a Storage bound to sess and backed by driver. It is
// inert (perform is a no-op) until Start is called, per spec §4.4: "if
// session not started -> no-op".
func NewStorage(sess *Session, driver Driver, logger *slog.Logger) *Storage {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Storage{driver: driver, sess: sess, logger: logger}
	sess.storage = s
	return s
}

// Start marks the storage active; subsequent Perform calls are honored.
func (s *Storage) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
}

// LastError returns the most recent SessionIOError encountered by a SAVE or
// DESTROY job, for the "next save/destroy completion observer" contract of
// spec §7.
func (s *Storage) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Exists reads through to the driver without going through the queue
// (spec §4.4: "exists() returns driver.exists(id) without going through the
// queue").
func (s *Storage) Exists(ctx context.Context, id string) (bool, error) {
	return s.driver.Exists(ctx, id)
}

// Perform enqueues or immediately runs kind for id, returning a channel that
// receives the job's error (nil on success) once it completes. The channel
// is buffered so callers that don't care about completion may discard it.
func (s *Storage) Perform(ctx context.Context, kind JobKind, id string, from Driver) <-chan error {
	done := make(chan error, 1)

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		done <- nil
		return done
	}
	j := job{kind: kind, id: id, fromDriver: from, done: done}
	if s.busy {
		s.queue = append(s.queue, j)
		atomic.AddInt64(&queueDepth, 1)
		s.mu.Unlock()
		return done
	}
	s.busy = true
	s.mu.Unlock()

	go s.runThenDrain(ctx, j)
	return done
}

// runThenDrain executes first, then keeps popping the queue until empty,
// per spec §4.4's algorithm. Re-entrant calls to Perform made while draining
// observe busy==true and enqueue rather than recurse.
func (s *Storage) runThenDrain(ctx context.Context, first job) {
	current := first
	for {
		err := s.execute(ctx, current)
		current.done <- err
		close(current.done)

		s.mu.Lock()
		if len(s.queue) == 0 {
			s.busy = false
			s.mu.Unlock()
			return
		}
		current = s.queue[0]
		s.queue = s.queue[1:]
		atomic.AddInt64(&queueDepth, -1)
		s.mu.Unlock()
	}
}

// queueDepth counts queued (not yet running) jobs across every Storage in
// the process, for lattice/metrics's session-storage queue depth gauge.
var queueDepth int64

// QueueDepth returns the current process-wide count of queued session
// storage jobs (spec's ambient metrics: "session-storage queue depth
// gauge").
func QueueDepth() int64 { return atomic.LoadInt64(&queueDepth) }

func (s *Storage) execute(ctx context.Context, j job) error {
	var err error
	switch j.kind {
	case Load:
		err = s.driver.Load(ctx, s.sess, j.id)
		if err != nil {
			// spec §7 SessionIOError: "for LOAD it clears session data and
			// continues as transient."
			s.sess.clearData()
			s.sess.demoteToTransient()
			s.logger.Warn("session load failed, continuing as transient",
				slog.String("session_id", j.id), slog.String("error", err.Error()))
			return err
		}
	case Save:
		err = s.driver.Save(ctx, s.sess, j.id)
	case Destroy:
		err = s.driver.Destroy(ctx, s.sess, j.id)
	case Migrate:
		err = s.driver.Migrate(ctx, s.sess, j.id, j.fromDriver)
	}

	if err != nil && (j.kind == Save || j.kind == Destroy) {
		// spec §7: "logged and surfaced to the next save/destroy completion
		// observer if any."
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		s.logger.Error("session storage job failed",
			slog.String("job", j.kind.String()),
			slog.String("session_id", j.id),
			slog.String("error", err.Error()))
	}
	return err
}
