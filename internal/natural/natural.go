// Package natural implements natural-order string comparison: embedded
// digit runs are compared numerically rather than lexicographically, so
// "Ch 2" sorts before "Ch 10". Used by the auto-channel projector when a
// group's channel_sort_order is "name".
package natural

import "strings"

// Less reports whether a sorts before b under natural order.
func Less(a, b string) bool {
	return compare(split(a), split(b)) < 0
}

// segment is either a run of digits (Num set, Text empty) or a run of
// non-digits (Text set).
type segment struct {
	Text string
	Num  string // digit run, compared by numeric value (leading zeros ignored)
	IsNum bool
}

func split(s string) []segment {
	var segs []segment
	i := 0
	for i < len(s) {
		if isDigit(s[i]) {
			j := i + 1
			for j < len(s) && isDigit(s[j]) {
				j++
			}
			segs = append(segs, segment{Num: s[i:j], IsNum: true})
			i = j
			continue
		}
		j := i + 1
		for j < len(s) && !isDigit(s[j]) {
			j++
		}
		segs = append(segs, segment{Text: s[i:j]})
		i = j
	}
	return segs
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// compare returns -1, 0, or 1 comparing two natural-sort-keys segment by
// segment.
func compare(a, b []segment) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		sa, sb := a[i], b[i]
		switch {
		case sa.IsNum && sb.IsNum:
			if c := compareNumStrings(sa.Num, sb.Num); c != 0 {
				return c
			}
		case !sa.IsNum && !sb.IsNum:
			if c := strings.Compare(sa.Text, sb.Text); c != 0 {
				return c
			}
		default:
			// A digit run and a text run at the same position: numbers sort
			// before text, matching the convention that "2" < "a".
			if sa.IsNum {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// compareNumStrings compares two digit-only strings by numeric value,
// tolerating arbitrarily long runs (no int64 overflow) by first comparing
// length after stripping leading zeros, then lexicographically.
func compareNumStrings(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}
