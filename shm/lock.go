package shm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"
)

var ErrLockTimeout = errors.New("lock held longer than timeout")

// Lock is an exclusive flock(2) lock on a file in the shared directory. Every
// Lock opens its own descriptor, so two Locks on the same file exclude each
// other whether they live in one process or in two.
//
// A Lock is used by one goroutine at a time.
type Lock struct {
	path    string
	timeout time.Duration
	f       *os.File
	held    bool
}

// CreateLock creates the lock file. It fails with ErrBufferExists if the file
// is already there.
func CreateLock(dir, name string, timeout time.Duration) (*Lock, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrBufferExists, path)
		}
		return nil, err
	}
	return &Lock{path: path, timeout: timeout, f: f}, nil
}

// OpenLock opens an existing lock file.
func OpenLock(dir, name string, timeout time.Duration) (*Lock, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrBufferNotFound, path)
		}
		return nil, err
	}
	return &Lock{path: path, timeout: timeout, f: f}, nil
}

func (l *Lock) tryLock() (bool, error) {
	for {
		err := unix.Flock(int(l.f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EWOULDBLOCK):
			return false, nil
		default:
			return false, fmt.Errorf("flock %s: %w", l.path, err)
		}
	}
}

// Acquire blocks until the lock is held, ctx is done, or the configured
// timeout elapses (ErrLockTimeout). A zero timeout waits forever.
func (l *Lock) Acquire(ctx context.Context) error {
	if l.f == nil {
		return ErrClosed
	}
	if l.held {
		return fmt.Errorf("lock %s already held by this handle", l.path)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Microsecond
	b.MaxInterval = 2 * time.Millisecond
	b.MaxElapsedTime = 0
	b.Reset()

	start := time.Now()
	for {
		ok, err := l.tryLock()
		if err != nil {
			return err
		}
		if ok {
			l.held = true
			return nil
		}
		if l.timeout > 0 && time.Since(start) >= l.timeout {
			return fmt.Errorf("%w: %s after %v", ErrLockTimeout, l.path, l.timeout)
		}
		t := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (l *Lock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	return unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
}

// Reset drops and reopens the descriptor. Any lock this handle held is
// released by the kernel with the old descriptor.
func (l *Lock) Reset() error {
	if l.f != nil {
		l.f.Close()
	}
	l.held = false
	f, err := os.OpenFile(l.path, os.O_RDWR, 0)
	if err != nil {
		l.f = nil
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrBufferNotFound, l.path)
		}
		return err
	}
	l.f = f
	return nil
}

func (l *Lock) Close() error {
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	l.held = false
	return err
}

// Destroy closes the handle and unlinks the lock file.
func (l *Lock) Destroy() error {
	closeErr := l.Close()
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return closeErr
}

// Stamp identifies one staged gradient: the worker that wrote it and that
// worker's upload sequence number.
type Stamp struct {
	Worker uint32
	Seq    uint64
}

const stampSize = 12

// writeStamp records s at the start of the lock file. The caller holds the
// lock.
func (l *Lock) writeStamp(s Stamp) error {
	if l.f == nil {
		return ErrClosed
	}
	var b [stampSize]byte
	binary.LittleEndian.PutUint32(b[0:], s.Worker)
	binary.LittleEndian.PutUint64(b[4:], s.Seq)
	_, err := l.f.WriteAt(b[:], 0)
	return err
}

func (l *Lock) readStamp() (Stamp, error) {
	if l.f == nil {
		return Stamp{}, ErrClosed
	}
	var b [stampSize]byte
	if _, err := l.f.ReadAt(b[:], 0); err != nil {
		if errors.Is(err, io.EOF) {
			return Stamp{}, nil
		}
		return Stamp{}, err
	}
	return Stamp{
		Worker: binary.LittleEndian.Uint32(b[0:]),
		Seq:    binary.LittleEndian.Uint64(b[4:]),
	}, nil
}
