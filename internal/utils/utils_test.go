package utils

import "testing"

func TestParseExpiresIn(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
		ok   bool
	}{
		{"30s", 30, true},
		{"5m", 300, true},
		{"2h", 7200, true},
		{"1d", 86400, true},
		{"10x", 0, false},
		{"s", 0, false},
		{"", 0, false},
		{"ten-s", 0, false},
	}
	for _, c := range cases {
		got, ok := ParseExpiresIn(c.in)
		if got != c.want || ok != c.ok {
			t.Errorf("ParseExpiresIn(%q) = (%d, %v), want (%d, %v)", c.in, got, ok, c.want, c.ok)
		}
	}
}
