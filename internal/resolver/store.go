package resolver

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/bytedance/sonic"
	"github.com/gofrs/flock"
	"github.com/yanun0323/logs"

	"tickrelay/internal/model"
	"tickrelay/pkg/exception"
)

// Log is the durable signal log used by the Resolver.
type Log interface {
	Load() ([]model.Signal, error)
	// Put replaces the record with the same id, appending it when absent.
	Put(sig model.Signal) error
}

// BatchLog is a Log that can replace several records in one write.
type BatchLog interface {
	Log
	PutAll(sigs []model.Signal) error
}

// Store is a JSON-lines signal log. Appends go to the end of the file; Put
// rewrites the whole file through a temp file and rename so a crash leaves
// either the old or the new log, and a crash during append loses at most the
// last line. Writers hold an advisory lock on <path>.lock, so appends from
// other processes wait for a rewrite instead of being renamed away.
type Store struct {
	path string
	lock *flock.Flock

	mu      sync.Mutex
	skipped atomic.Uint64

	beforeRename func()
}

// NewStore opens path, creating its directory.
func NewStore(path string) (*Store, error) {
	if path == "" {
		return nil, exception.ErrInvalidArgument
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &Store{path: path, lock: flock.New(path + ".lock")}, nil
}

// Path returns the log path.
func (s *Store) Path() string { return s.path }

// Skipped returns how many undecodable lines were skipped by loads.
func (s *Store) Skipped() uint64 { return s.skipped.Load() }

// Load reads every decodable signal. A missing file is an empty log.
func (s *Store) Load() ([]model.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock.RLock(); err != nil {
		return nil, err
	}
	defer s.unlock()
	signals, _, err := s.load()
	return signals, err
}

// acquire takes the in-process mutex and the exclusive file lock.
func (s *Store) acquire() error {
	s.mu.Lock()
	if err := s.lock.Lock(); err != nil {
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) release() {
	s.unlock()
	s.mu.Unlock()
}

func (s *Store) unlock() {
	if err := s.lock.Unlock(); err != nil {
		logs.Warnf("unlock %s, err: %+v", s.lock.Path(), err)
	}
}

func (s *Store) load() ([]model.Signal, int64, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	defer f.Close()
	return s.decode(f)
}

// decode reads lines until EOF and returns the byte count consumed.
func (s *Store) decode(r io.Reader) ([]model.Signal, int64, error) {
	var (
		out  []model.Signal
		read int64
		rd   = bufio.NewReaderSize(r, 64<<10)
	)
	for {
		line, err := rd.ReadBytes('\n')
		read += int64(len(line))
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			var sig model.Signal
			if decErr := sonic.ConfigStd.Unmarshal(trimmed, &sig); decErr != nil || sig.ID == "" {
				s.skipped.Add(1)
				logs.Warnf("skip undecodable signal line in %s: %.80s", s.path, trimmed)
			} else {
				out = append(out, sig)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, read, nil
			}
			return out, read, err
		}
	}
}

// Append adds sig as a new line. Ids must be unique.
func (s *Store) Append(sig model.Signal) error {
	if err := sig.Validate(); err != nil {
		return err
	}
	if sig.Status == "" {
		sig.Status = model.StatusPending
	}
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()

	existing, _, err := s.load()
	if err != nil {
		return err
	}
	for _, e := range existing {
		if e.ID == sig.ID {
			return exception.ErrSignalDuplicate
		}
	}

	line, err := encodeLine(sig)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Put replaces the record with sig.ID.
func (s *Store) Put(sig model.Signal) error {
	return s.PutAll([]model.Signal{sig})
}

// PutAll replaces or appends every record of sigs with a single rewrite.
func (s *Store) PutAll(sigs []model.Signal) error {
	if len(sigs) == 0 {
		return nil
	}
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()

	signals, size, err := s.load()
	if err != nil {
		return err
	}
	index := make(map[string]int, len(signals))
	for i := range signals {
		index[signals[i].ID] = i
	}
	for _, sig := range sigs {
		if i, ok := index[sig.ID]; ok {
			signals[i] = sig
			continue
		}
		index[sig.ID] = len(signals)
		signals = append(signals, sig)
	}
	return s.rewrite(signals, size)
}

// Rewrite replaces the whole log with signals.
func (s *Store) Rewrite(signals []model.Signal) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()
	return s.rewrite(signals, -1)
}

// rewrite writes signals to a temp file and renames it over the log. When
// loadedSize >= 0, bytes appended after that offset by a writer that does
// not take the lock are carried over.
func (s *Store) rewrite(signals []model.Signal, loadedSize int64) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}

	w := bufio.NewWriter(tmp)
	for _, sig := range signals {
		line, err := encodeLine(sig)
		if err != nil {
			return cleanup(err)
		}
		if _, err := w.Write(line); err != nil {
			return cleanup(err)
		}
	}
	if loadedSize >= 0 {
		if err := s.copyTail(w, loadedSize); err != nil {
			return cleanup(err)
		}
	}
	if err := w.Flush(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if s.beforeRename != nil {
		s.beforeRename()
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

func (s *Store) copyTail(w io.Writer, offset int64) error {
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() <= offset {
		return nil
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

func encodeLine(sig model.Signal) ([]byte, error) {
	b, err := sonic.ConfigStd.Marshal(sig)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
