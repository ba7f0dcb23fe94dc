package daemon

import (
	"os"
	"strconv"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

// pidFile is a scoped acquisition of an exclusive, advisory lock on a
// path, with the current process id written inside it (§4.8). Release
// unlocks and removes the file; it is safe to call more than once.
type pidFile struct {
	fl   *flock.Flock
	path string
}

func acquirePIDFile(path string) (*pidFile, error) {
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "daemon: lock pid file %s", path)
	}
	if !locked {
		return nil, errors.Errorf("daemon: pid file %s is held by another process", path)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		_ = fl.Unlock()
		return nil, errors.Wrapf(err, "daemon: write pid file %s", path)
	}
	return &pidFile{fl: fl, path: path}, nil
}

func (p *pidFile) Release() error {
	if err := p.fl.Unlock(); err != nil {
		return errors.Wrapf(err, "daemon: unlock pid file %s", p.path)
	}
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "daemon: remove pid file %s", p.path)
	}
	return nil
}
