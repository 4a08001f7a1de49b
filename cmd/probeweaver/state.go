package main

import (
	"bytes"
	"fmt"
	"io"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kolkov/probeweaver/internal/probe/liverequest"
	"github.com/kolkov/probeweaver/internal/probe/snapshot"
)

func (a *app) inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <state-file>",
		Short: "Decode and print a saved state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := a.readState(args[0])
			if err != nil {
				return err
			}
			printState(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func (a *app) verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <state-file>",
		Short: "Check that a state file re-encodes to identical bytes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, raw, err := a.readState(args[0])
			if err != nil {
				return err
			}
			var buf bytes.Buffer
			if err := snapshot.Write(&buf, st); err != nil {
				return fmt.Errorf("re-encode: %w", err)
			}
			if !bytes.Equal(raw, buf.Bytes()) {
				a.log.Warn("state differs after re-encoding",
					zap.Int("read", len(raw)),
					zap.Int("written", buf.Len()),
					zap.Int("first_difference", firstDifference(raw, buf.Bytes())))
				return fmt.Errorf("%s: re-encoded state differs at byte %d", args[0], firstDifference(raw, buf.Bytes()))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d bytes, format %s)\n", args[0], len(raw), st.Version)
			return nil
		},
	}
}

func (a *app) readState(path string) (snapshot.State, []byte, error) {
	raw, err := afero.ReadFile(a.fs, path)
	if err != nil {
		return snapshot.State{}, nil, err
	}
	st, err := snapshot.Read(bytes.NewReader(raw), liverequest.New(nil, nil, a.log))
	if err != nil {
		return snapshot.State{}, nil, fmt.Errorf("%s: %w", path, err)
	}
	a.log.Debug("state decoded", zap.String("path", path), zap.Int("bytes", len(raw)))
	return st, raw, nil
}

func printState(w io.Writer, st snapshot.State) {
	fmt.Fprintf(w, "format  %s\n", st.Version)
	fmt.Fprintf(w, "ids     %s\n", st.IDs)
	fmt.Fprintf(w, "probes  %d\n", st.Probes.Len())
	for _, kind := range st.Probes.Kinds() {
		fmt.Fprintf(w, "  %s\n", kind)
		for r := range st.Probes.Lookup(kind).All() {
			fmt.Fprintf(w, "    %s\n", r)
		}
	}
	entries := st.Live.Entries()
	fmt.Fprintf(w, "live    %d\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(w, "  %s %s -> %s%s@%d\n", e.Kind, e.Subject, e.Handler.Name, e.Handler.Signature, e.Handler.Offset)
	}
}

func firstDifference(a, b []byte) int {
	n := min(len(a), len(b))
	for i := range n {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
