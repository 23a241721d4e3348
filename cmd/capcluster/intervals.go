package main

import (
	"fmt"
	"strconv"
	"strings"

	"capcluster/pkg/scaling"
)

// parseIntervals reads "start:end" pairs.
func parseIntervals(args []string) ([]scaling.Interval, error) {
	out := make([]scaling.Interval, 0, len(args))
	for _, s := range args {
		lo, hi, ok := strings.Cut(s, ":")
		if !ok {
			return nil, fmt.Errorf("interval %q is not start:end", s)
		}
		start, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return nil, fmt.Errorf("interval %q: %w", s, err)
		}
		end, err := strconv.Atoi(strings.TrimSpace(hi))
		if err != nil {
			return nil, fmt.Errorf("interval %q: %w", s, err)
		}
		out = append(out, scaling.Interval{Start: start, End: end})
	}
	return out, nil
}
