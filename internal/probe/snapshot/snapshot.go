// Package snapshot saves and restores the engine's instrumentation state.
//
// A state file carries everything needed to resume instrumenting a process
// that is still running the rewritten code: the probe id pool, the per-kind
// probe index and the live request entries. Class change logs are stored
// next to it, one file per class.
//
// File layout:
//
//	magic "PWST"
//	UTF(format version, semantic version string such as "v1.0.0")
//	id allocator
//	probe table
//	live request entries
//
// A reader accepts files whose major version matches its own and whose
// version is not newer than its own.
package snapshot

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"golang.org/x/mod/semver"

	"github.com/kolkov/probeweaver/internal/probe/index"
	"github.com/kolkov/probeweaver/internal/probe/liverequest"
	"github.com/kolkov/probeweaver/internal/probe/tracker"
	"github.com/kolkov/probeweaver/internal/probe/wire"
)

// FormatVersion is the version written to new state files.
const FormatVersion = "v1.0.0"

var magic = [4]byte{'P', 'W', 'S', 'T'}

// Errors returned when a state file cannot be read.
var (
	ErrNotState = errors.New("snapshot: not a state file")
	ErrVersion  = errors.New("snapshot: unsupported format version")
)

// State is the saved instrumentation state.
type State struct {
	Version string
	IDs     *tracker.IDAllocator
	Probes  *index.Table
	Live    *liverequest.Table
}

// Write encodes s to w.
func Write(w io.Writer, s State) error {
	if s.IDs == nil || s.Probes == nil || s.Live == nil {
		return errors.New("snapshot: incomplete state")
	}
	ww := wire.NewWriter(w)
	ww.WriteRaw(magic[:])
	ww.WriteUTF(FormatVersion)
	s.IDs.Encode(ww)
	s.Probes.Encode(ww)
	s.Live.Encode(ww)
	return ww.Flush()
}

// Read decodes a state from r. Live request entries are decoded into live,
// which keeps its target and deferrer.
func Read(r io.Reader, live *liverequest.Table) (State, error) {
	rr := wire.NewReader(bufio.NewReader(r))
	head := rr.ReadRaw(len(magic))
	if err := rr.Err(); err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrNotState, err)
	}
	if [4]byte(head) != magic {
		return State{}, ErrNotState
	}
	version := rr.ReadUTF()
	if err := rr.Err(); err != nil {
		return State{}, err
	}
	if err := CheckVersion(version); err != nil {
		return State{}, err
	}

	ids, err := tracker.DecodeIDAllocator(rr)
	if err != nil {
		return State{}, fmt.Errorf("id allocator: %w", err)
	}
	probes, err := index.DecodeTable(rr)
	if err != nil {
		return State{}, fmt.Errorf("probe table: %w", err)
	}
	if err := live.Decode(rr); err != nil {
		return State{}, fmt.Errorf("live requests: %w", err)
	}
	if !rr.AtEOF() {
		return State{}, fmt.Errorf("%w: trailing data", ErrNotState)
	}
	return State{Version: version, IDs: ids, Probes: probes, Live: live}, nil
}

// CheckVersion reports whether a file written with version can be read.
func CheckVersion(version string) error {
	if !semver.IsValid(version) {
		return fmt.Errorf("%w: %q is not a semantic version", ErrVersion, version)
	}
	if semver.Major(version) != semver.Major(FormatVersion) {
		return fmt.Errorf("%w: %s (this build reads %s.x)", ErrVersion, version, semver.Major(FormatVersion))
	}
	if semver.Compare(version, FormatVersion) > 0 {
		return fmt.Errorf("%w: %s is newer than %s", ErrVersion, version, FormatVersion)
	}
	return nil
}
