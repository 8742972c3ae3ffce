package router

import (
	"strconv"
	"strings"
)

// ParseHint scans a statement's trailing SQL comments for a routing hint
// and returns the Hint the RWR resolver should apply to it. Hints are
// plain `-- dbrelay:<directive>` line comments, one per statement; an
// absent or malformed hint yields the zero Hint (no override).
//
// Recognized directives:
//   route=master            -> RouteToMaster
//   route=server:<name>     -> NamedServer
//   max_slave_lag=<seconds> -> MaxSlaveLagSecs
func ParseHint(sql string) Hint {
	h := Hint{MaxSlaveLagSecs: -1}
	for _, line := range strings.Split(sql, "\n") {
		idx := strings.Index(line, "--")
		if idx < 0 {
			continue
		}
		comment := strings.TrimSpace(line[idx+2:])
		const prefix = "dbrelay:"
		if !strings.HasPrefix(comment, prefix) {
			continue
		}
		directive := strings.TrimPrefix(comment, prefix)
		switch {
		case directive == "route=master":
			h.RouteToMaster = true
		case strings.HasPrefix(directive, "route=server:"):
			h.NamedServer = strings.TrimPrefix(directive, "route=server:")
		case strings.HasPrefix(directive, "max_slave_lag="):
			if n, err := strconv.Atoi(strings.TrimPrefix(directive, "max_slave_lag=")); err == nil {
				h.MaxSlaveLagSecs = n
			}
		}
	}
	return h
}
