package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kolkov/probeweaver/internal/probe/interval"
)

func (a *app) compactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact <range>...",
		Short: "Compact array index bounds into a minimal range set",
		Long: `Adds each range to an empty set in order and prints the resulting nodes and
the comparisons a probe would check. Ranges are "a:b" (inclusive), ":b"
(every index up to b), "a:" (every index from a) or a single index.`,
		Example: "  probeweaver compact 13:15 18:24 34:37 11:20",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := interval.New()
			for _, arg := range args {
				b, err := parseRange(arg)
				if err != nil {
					return err
				}
				s.AddBounds(b)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "set   %s\n", s)
			for _, c := range s.Comparisons() {
				fmt.Fprintf(out, "check %s\n", c)
			}
			return nil
		},
	}
}

// parseRange parses "a:b", ":b", "a:", ":" or "a".
func parseRange(arg string) (interval.Bounds, error) {
	lo, hi, found := strings.Cut(arg, ":")
	if !found {
		v, err := parseIndex(arg)
		if err != nil {
			return interval.Bounds{}, fmt.Errorf("range %q: %w", arg, err)
		}
		return interval.Bounds{Min: v, Max: v}, nil
	}
	b := interval.Bounds{Min: interval.NoBound, Max: interval.NoBound}
	var err error
	if lo != "" {
		if b.Min, err = parseIndex(lo); err != nil {
			return interval.Bounds{}, fmt.Errorf("range %q: %w", arg, err)
		}
	}
	if hi != "" {
		if b.Max, err = parseIndex(hi); err != nil {
			return interval.Bounds{}, fmt.Errorf("range %q: %w", arg, err)
		}
	}
	return b, nil
}

func parseIndex(s string) (int32, error) {
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("bad index %q", s)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative index %d", v)
	}
	return int32(v), nil
}
