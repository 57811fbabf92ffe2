// Per-directory exclusive locks, so one install directory has at most one mutating operation
package dirlock

import (
	"fmt"
	"path/filepath"
	"sync"
)

// locks are keyed by the cleaned absolute path, so "game/" and "./game" are the same dir.
// the zero value is not usable, use New().
type Locks struct {
	held     map[string]bool
	masterMu sync.Mutex
}

func New() *Locks {
	return &Locks{
		held: map[string]bool{},
	}
}

type BusyError struct {
	Dir string
}

func (b *BusyError) Error() string {
	return fmt.Sprintf("directory %s is busy with another operation", b.Dir)
}

// returns *BusyError if the dir is held by someone else. operations on a dir can take
// hours, so there is no blocking variant. call the returned func to release the dir.
func (l *Locks) TryLock(dir string) (func(), error) {
	key, err := keyOf(dir)
	if err != nil {
		return nil, err
	}

	l.masterMu.Lock()
	defer l.masterMu.Unlock()

	if l.held[key] {
		return nil, &BusyError{Dir: key}
	}

	l.held[key] = true

	once := sync.Once{}

	return func() {
		once.Do(func() {
			l.masterMu.Lock()
			defer l.masterMu.Unlock()

			delete(l.held, key)
		})
	}, nil
}

func keyOf(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}

	return filepath.Clean(abs), nil
}
