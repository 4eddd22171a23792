package codec

import "strings"

// Filter removes literal markers from text that arrives in arbitrary
// chunks. A chunk boundary may fall anywhere inside a marker, so the
// filter holds back the longest tail of the text seen so far that is a
// proper prefix of some marker, and releases it once later input decides
// it. A match that a longer marker could still extend is held the same
// way. Nothing else is held.
//
// In stop mode the first marker found ends the text instead: the filter
// releases what precedes it and discards everything after.
type Filter struct {
	markers []string
	maxLen  int
	held    string

	stopMode bool
	matched  string
}

// NewFilter returns a filter that strips every marker.
func NewFilter(markers []string) *Filter {
	f := &Filter{}
	for _, m := range markers {
		if m == "" {
			continue
		}
		f.markers = append(f.markers, m)
		f.maxLen = max(f.maxLen, len(m))
	}
	return f
}

// NewStopFilter returns a filter that truncates at the first stop sequence.
func NewStopFilter(stops []string) *Filter {
	f := NewFilter(stops)
	f.stopMode = true
	return f
}

// Active reports whether the filter has anything to match.
func (f *Filter) Active() bool {
	return len(f.markers) > 0
}

// Stopped reports whether a stop sequence has been seen.
func (f *Filter) Stopped() bool {
	return f.matched != ""
}

// Matched returns the stop sequence that ended the text.
func (f *Filter) Matched() string {
	return f.matched
}

// Write feeds a chunk and returns the text that is safe to release.
func (f *Filter) Write(chunk string) string {
	if f.Stopped() {
		return ""
	}
	if len(f.markers) == 0 {
		return chunk
	}
	buf := f.held + chunk
	f.held = ""
	return f.scan(buf, false)
}

// Flush releases held text. At end of input a partial marker is plain
// text, and a match that a longer marker could have extended stands.
func (f *Filter) Flush() string {
	h := f.held
	f.held = ""
	if f.Stopped() || h == "" {
		return ""
	}
	return f.scan(h, true)
}

func (f *Filter) scan(buf string, final bool) string {
	var out strings.Builder
	for {
		i, m := f.earliest(buf)
		if i < 0 {
			break
		}
		if !final {
			if j := f.undecided(buf, i); j >= 0 {
				out.WriteString(buf[:j])
				f.held = buf[j:]
				return out.String()
			}
		}
		out.WriteString(buf[:i])
		if f.stopMode {
			f.matched = m
			return out.String()
		}
		buf = buf[i+len(m):]
	}

	if final {
		out.WriteString(buf)
		return out.String()
	}
	keep := f.heldSuffix(buf)
	out.WriteString(buf[:len(buf)-keep])
	f.held = buf[len(buf)-keep:]
	return out.String()
}

// undecided returns the earliest offset at or before the match at i whose
// tail is still a proper prefix of a longer marker, or -1.
func (f *Filter) undecided(s string, i int) int {
	for j := max(0, len(s)-f.maxLen+1); j <= i; j++ {
		tail := s[j:]
		for _, m := range f.markers {
			if len(m) > len(tail) && strings.HasPrefix(m, tail) {
				return j
			}
		}
	}
	return -1
}

// earliest finds the first marker occurrence, preferring the longest
// marker when several start at the same offset.
func (f *Filter) earliest(s string) (int, string) {
	best, bestMarker := -1, ""
	for _, m := range f.markers {
		i := strings.Index(s, m)
		if i < 0 {
			continue
		}
		if best < 0 || i < best || (i == best && len(m) > len(bestMarker)) {
			best, bestMarker = i, m
		}
	}
	return best, bestMarker
}

// heldSuffix returns the length of the longest suffix of s that is a
// proper prefix of a marker.
func (f *Filter) heldSuffix(s string) int {
	for k := min(len(s), f.maxLen-1); k > 0; k-- {
		tail := s[len(s)-k:]
		for _, m := range f.markers {
			if len(m) > k && strings.HasPrefix(m, tail) {
				return k
			}
		}
	}
	return 0
}

// Apply filters a complete string.
func (f *Filter) Apply(s string) string {
	return f.Write(s) + f.Flush()
}
