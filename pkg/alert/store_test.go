package alert

import "testing"

func TestNormalizeLimitDefaultsAndClamps(t *testing.T) {
	cases := []struct {
		requested int
		want      int
	}{
		{0, 100},
		{-5, 100},
		{50, 50},
		{1000, 1000},
		{1001, 100},
	}
	for _, c := range cases {
		if got := normalizeLimit(c.requested); got != c.want {
			t.Errorf("normalizeLimit(%d) = %d, want %d", c.requested, got, c.want)
		}
	}
}
