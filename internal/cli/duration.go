// Package cli holds the client-side pieces shared by the cocalc-host
// commands: auth profiles, the workspace context file, output
// formatting, and parsers for the short forms users type.
package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDurationMS parses a user-supplied duration into milliseconds.
// Unit suffixes follow time.ParseDuration; a bare number is seconds.
func ParseDurationMS(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative duration %q", s)
		}
		return n * 1000, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q (use forms like 250ms, 2s, 3m, 1h or bare seconds)", s)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d.Milliseconds(), nil
}
