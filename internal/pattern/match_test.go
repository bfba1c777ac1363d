package pattern

import "testing"

func TestMatchNative(t *testing.T) {
	m := New(DefaultSeparator)

	cases := []struct {
		name    string
		pattern string
		target  string
		want    bool
	}{
		{"exact", "audio::process_buffer", "audio::process_buffer", true},
		{"exact mismatch", "audio::process_buffer", "audio::process_other", false},
		{"single star one segment", "audio::*", "audio::process_buffer", true},
		{"single star no cross", "audio::*", "audio::dsp::process_buffer", false},
		{"single star mid", "audio::*::process", "audio::dsp::process", true},
		{"single star mid no cross", "audio::*::process", "audio::dsp::inner::process", false},
		{"double star crosses", "audio::**::process", "audio::dsp::inner::process", true},
		{"double star zero segments", "audio::**::process", "audio::process", false},
		{"double star prefix", "**::process_buffer", "audio::dsp::process_buffer", true},
		{"double star suffix", "audio::**", "audio::dsp::inner::process", true},
		{"anchored no prefix wildcard", "process_buffer", "audio::process_buffer", false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := m.Match(tc.pattern, tc.target)
			if got != tc.want {
				t.Errorf("Match(%q, %q) = %v, want %v", tc.pattern, tc.target, got, tc.want)
			}
		})
	}
}

func TestMatchDotSeparator(t *testing.T) {
	m := New(".")

	cases := []struct {
		pattern string
		target  string
		want    bool
	}{
		{"pkg.*", "pkg.Func", true},
		{"pkg.*", "pkg.sub.Func", false},
		{"pkg.**", "pkg.sub.Func", true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.pattern+"/"+tc.target, func(t *testing.T) {
			t.Parallel()
			if got := m.Match(tc.pattern, tc.target); got != tc.want {
				t.Errorf("Match(%q, %q) = %v, want %v", tc.pattern, tc.target, got, tc.want)
			}
		})
	}
}

func TestMatchDoesNotExplodeOnAdversarialInput(t *testing.T) {
	m := New(DefaultSeparator)
	// Long string of stars with no matching suffix: must terminate quickly
	// thanks to memoization rather than exponential backtracking.
	pattern := ""
	for i := 0; i < 40; i++ {
		pattern += "*::"
	}
	pattern += "nomatch"
	name := ""
	for i := 0; i < 40; i++ {
		name += "segment::"
	}
	name += "other"

	if m.Match(pattern, name) {
		t.Fatalf("expected no match")
	}
}
