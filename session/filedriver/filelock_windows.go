//go:build windows

package filedriver

import (
	"os"
	"sync"
)

// Windows has no portable cgo-free equivalent of flock(2) in the packages
// this module already depends on (golang.org/x/sys is not part of the
// dependency set any example repo pulls in). This build falls back to an
// in-process named mutex per path: it serializes same-process callers
// correctly but does not protect against a second OS process sharing Dir.
type namedLock struct {
	mu     sync.RWMutex
	shared bool
}

var (
	locksMu sync.Mutex
	locks   = make(map[string]*namedLock)
)

func lockFor(f *os.File) *namedLock {
	locksMu.Lock()
	defer locksMu.Unlock()
	name := f.Name()
	l, ok := locks[name]
	if !ok {
		l = &namedLock{}
		locks[name] = l
	}
	return l
}

func lockShared(f *os.File) error {
	l := lockFor(f)
	l.mu.RLock()
	l.shared = true
	return nil
}

func lockExclusive(f *os.File) error {
	l := lockFor(f)
	l.mu.Lock()
	l.shared = false
	return nil
}

func unlock(f *os.File) error {
	l := lockFor(f)
	if l.shared {
		l.mu.RUnlock()
	} else {
		l.mu.Unlock()
	}
	return nil
}
