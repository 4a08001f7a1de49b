package snapshot

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/kolkov/probeweaver/internal/probe/liverequest"
	"github.com/kolkov/probeweaver/internal/probe/tracker"
	"github.com/kolkov/probeweaver/internal/probe/wire"
)

const (
	stateExt    = ".state"
	classLogExt = ".probes.dat"
	logsDir     = "logs"
)

// Store keeps state files and class change logs under one directory.
//
//	<dir>/<name>.state
//	<dir>/logs/<class>.probes.dat
//
// Files are written to a temporary name and renamed into place, so a reader
// never sees a partial file.
//
// Thread Safety: safe for concurrent use as far as the underlying afero.Fs
// is; concurrent writers of the same file race and the last rename wins.
type Store struct {
	fs  afero.Fs
	dir string
	log *zap.Logger
}

// NewStore returns a store rooted at dir, creating it if needed.
func NewStore(fsys afero.Fs, dir string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := fsys.MkdirAll(filepath.Join(dir, logsDir), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	return &Store{fs: fsys, dir: dir, log: log.Named("snapshot")}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

func checkName(name string) error {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("snapshot: invalid name %q", name)
	}
	return nil
}

func (s *Store) statePath(name string) string {
	return filepath.Join(s.dir, name+stateExt)
}

func (s *Store) classLogPath(class string) string {
	return filepath.Join(s.dir, logsDir, class+classLogExt)
}

// SaveState writes st as name.
func (s *Store) SaveState(name string, st State) error {
	if err := checkName(name); err != nil {
		return err
	}
	err := s.writeFile(s.statePath(name), func(f afero.File) error {
		return Write(f, st)
	})
	if err != nil {
		return fmt.Errorf("save state %s: %w", name, err)
	}
	s.log.Info("state saved",
		zap.String("name", name),
		zap.Int("probes", st.Probes.Len()),
		zap.Int("live_requests", st.Live.Len()))
	return nil
}

// LoadState reads the state saved as name, decoding live requests into live.
func (s *Store) LoadState(name string, live *liverequest.Table) (st State, err error) {
	if err := checkName(name); err != nil {
		return State{}, err
	}
	f, err := s.fs.Open(s.statePath(name))
	if err != nil {
		return State{}, fmt.Errorf("load state %s: %w", name, err)
	}
	defer func() { err = multierr.Append(err, f.Close()) }()

	st, err = Read(f, live)
	if err != nil {
		return State{}, fmt.Errorf("load state %s: %w", name, err)
	}
	return st, nil
}

// States returns the names of saved states in sorted order.
func (s *Store) States() ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), stateExt) {
			out = append(out, strings.TrimSuffix(e.Name(), stateExt))
		}
	}
	slices.Sort(out)
	return out, nil
}

// LoadClassLog implements tracker.LogStore. It returns nil, nil when no log
// exists for class.
func (s *Store) LoadClassLog(class string) (c *tracker.ClassLog, err error) {
	if err := checkName(class); err != nil {
		return nil, err
	}
	f, err := s.fs.Open(s.classLogPath(class))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { err = multierr.Append(err, f.Close()) }()
	return tracker.DecodeClassLog(wire.NewReader(f), class)
}

// SaveClassLog implements tracker.LogStore. An empty log removes the file.
func (s *Store) SaveClassLog(c *tracker.ClassLog) error {
	if err := checkName(c.Class); err != nil {
		return err
	}
	if c.Empty() {
		return s.RemoveClassLog(c.Class)
	}
	return s.writeFile(s.classLogPath(c.Class), func(f afero.File) error {
		w := wire.NewWriter(f)
		c.Encode(w)
		return w.Flush()
	})
}

// RemoveClassLog deletes the stored log of class if there is one.
func (s *Store) RemoveClassLog(class string) error {
	err := s.fs.Remove(s.classLogPath(class))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// ClassLogs returns the classes with a stored log, sorted.
func (s *Store) ClassLogs() ([]string, error) {
	entries, err := afero.ReadDir(s.fs, filepath.Join(s.dir, logsDir))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), classLogExt) {
			out = append(out, strings.TrimSuffix(e.Name(), classLogExt))
		}
	}
	slices.Sort(out)
	return out, nil
}

// writeFile writes through fill into a temporary file and renames it to
// path.
func (s *Store) writeFile(path string, fill func(afero.File) error) (err error) {
	tmp, err := afero.TempFile(s.fs, filepath.Dir(path), "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = s.fs.Remove(tmp.Name())
		}
	}()

	if err := fill(tmp); err != nil {
		return multierr.Append(err, tmp.Close())
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return s.fs.Rename(tmp.Name(), path)
}
