package telegram

import (
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/nerrad567/knxcore/internal/knx/address"
)

// ErrInvalidFilter is returned when a filter pattern cannot be parsed.
var ErrInvalidFilter = errors.New("telegram: invalid address filter")

// rangeFilter matches one comma-separated range component: "*" (wildcard),
// a bare number, or "lo-hi" (order-independent).
type rangeFilter struct {
	wildcard bool
	lo, hi   int
}

func parseRange(s string) (rangeFilter, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return rangeFilter{wildcard: true}, nil
	}
	if i := strings.IndexByte(s, '-'); i > 0 {
		lo, err1 := strconv.Atoi(s[:i])
		hi, err2 := strconv.Atoi(s[i+1:])
		if err1 != nil || err2 != nil {
			return rangeFilter{}, fmt.Errorf("%w: range %q", ErrInvalidFilter, s)
		}
		if lo > hi {
			lo, hi = hi, lo
		}
		return rangeFilter{lo: lo, hi: hi}, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return rangeFilter{}, fmt.Errorf("%w: component %q", ErrInvalidFilter, s)
	}
	return rangeFilter{lo: n, hi: n}, nil
}

func (r rangeFilter) match(v int) bool {
	return r.wildcard || (v >= r.lo && v <= r.hi)
}

// levelFilter matches one slash-separated address level: a comma-separated
// set of rangeFilters, any of which may match.
type levelFilter struct {
	ranges []rangeFilter
}

func parseLevel(s string) (levelFilter, error) {
	var lf levelFilter
	for _, part := range strings.Split(s, ",") {
		r, err := parseRange(part)
		if err != nil {
			return levelFilter{}, err
		}
		lf.ranges = append(lf.ranges, r)
	}
	return lf, nil
}

func (lf levelFilter) match(v int) bool {
	for _, r := range lf.ranges {
		if r.match(v) {
			return true
		}
	}
	return false
}

// Filter matches a GroupAddress (3-level main/middle/sub, 2-level
// main/sub, or free single-level), or an Internal address against a glob
// pattern, depending on the pattern's shape.
type Filter struct {
	internal bool
	pattern  string
	levels   []levelFilter
}

// ParseFilter parses a filter pattern. Patterns beginning with "i-"/"i_"
// (case-insensitive prefix letter) are glob patterns matched against an
// Internal address's String() form; any other pattern is split on "/" into
// 1, 2 or 3 group-address levels, each a comma-separated set of "*",
// numbers, or "lo-hi" ranges.
func ParseFilter(pattern string) (Filter, error) {
	pattern = strings.TrimSpace(pattern)
	if len(pattern) >= 1 && (pattern[0] == 'i' || pattern[0] == 'I') {
		return Filter{internal: true, pattern: pattern}, nil
	}
	parts := strings.Split(pattern, "/")
	if len(parts) < 1 || len(parts) > 3 {
		return Filter{}, fmt.Errorf("%w: %q", ErrInvalidFilter, pattern)
	}
	levels := make([]levelFilter, 0, len(parts))
	for _, p := range parts {
		lf, err := parseLevel(p)
		if err != nil {
			return Filter{}, err
		}
		levels = append(levels, lf)
	}
	return Filter{levels: levels}, nil
}

// Match reports whether dest satisfies the filter.
func (f Filter) Match(dest Destination) bool {
	if f.internal {
		in, ok := dest.(address.Internal)
		if !ok {
			return false
		}
		matched, err := path.Match(normalizeInternalPattern(f.pattern), in.String())
		return err == nil && matched
	}

	g, ok := dest.(address.Group)
	if !ok {
		return false
	}
	switch len(f.levels) {
	case 3:
		main, _ := g.Main(address.StyleLong)
		mid, _ := g.Middle(address.StyleLong)
		return f.levels[0].match(main) && f.levels[1].match(mid) && f.levels[2].match(g.Sub(address.StyleLong))
	case 2:
		main, _ := g.Main(address.StyleShort)
		return f.levels[0].match(main) && f.levels[1].match(g.Sub(address.StyleShort))
	case 1:
		return f.levels[0].match(g.Sub(address.StyleFree))
	default:
		return false
	}
}

// normalizeInternalPattern rewrites a bare "itag*" / "i_tag*" pattern onto
// the canonical "i-tag*" rendering that Internal.String() produces, so a
// filter author can use either separator.
func normalizeInternalPattern(pattern string) string {
	if len(pattern) < 2 {
		return pattern
	}
	rest := pattern[1:]
	if strings.HasPrefix(rest, "-") || strings.HasPrefix(rest, "_") {
		return "i-" + rest[1:]
	}
	return "i-" + rest
}
