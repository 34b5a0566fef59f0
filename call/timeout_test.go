package call

import (
	"math"
	"strings"
	"testing"
	"time"
)

func TestEncodeTimeoutPicksSmallestFittingUnit(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{0, "0n"},
		{-time.Second, "0n"},
		{time.Nanosecond, "1n"},
		{50 * time.Millisecond, "50000000n"},
		{100 * time.Millisecond, "100000u"},
		{time.Second, "1000000u"},
		{99 * time.Second, "99000000u"},
		{2000 * time.Second, "2000000m"},
		{time.Duration(math.MaxInt64), "2562048H"},
	}
	for _, c := range cases {
		if got := EncodeTimeout(c.d); got != c.want {
			t.Errorf("EncodeTimeout(%v) = %q, want %q", c.d, got, c.want)
		}
	}
}

func TestEncodeTimeoutRoundsUp(t *testing.T) {
	// A timeout must never arrive shorter than requested.
	got := EncodeTimeout(99999999*time.Microsecond + 1)
	if got != "100000m" {
		t.Fatalf("got %q, want %q", got, "100000m")
	}
}

func TestDecodeTimeout(t *testing.T) {
	cases := []struct {
		s    string
		want time.Duration
	}{
		{"0n", 0},
		{"1n", time.Nanosecond},
		{"50m", 50 * time.Millisecond},
		{"7S", 7 * time.Second},
		{"3M", 3 * time.Minute},
		{"2H", 2 * time.Hour},
		{"99999999u", 99999999 * time.Microsecond},
	}
	for _, c := range cases {
		got, err := DecodeTimeout(c.s)
		if err != nil {
			t.Fatalf("DecodeTimeout(%q): %v", c.s, err)
		}
		if got != c.want {
			t.Errorf("DecodeTimeout(%q) = %v, want %v", c.s, got, c.want)
		}
	}
}

func TestDecodeTimeoutRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "n", "12", "-3S", "999999999S", "5x", "1.5S"} {
		if _, err := DecodeTimeout(s); err == nil {
			t.Errorf("DecodeTimeout(%q) accepted", s)
		}
	}
}

func TestTimeoutRoundTripAcrossUnitBoundaries(t *testing.T) {
	durations := []time.Duration{
		time.Nanosecond,
		99999999 * time.Nanosecond,
		100 * time.Millisecond,
		time.Second,
		time.Minute,
		time.Hour,
		36 * time.Hour,
	}
	for _, d := range durations {
		enc := EncodeTimeout(d)
		dec, err := DecodeTimeout(enc)
		if err != nil {
			t.Fatalf("round trip of %v via %q: %v", d, enc, err)
		}
		if dec < d {
			t.Errorf("round trip of %v shrank to %v", d, dec)
		}
		if strings.TrimRight(enc, "numSMH") == "" {
			t.Errorf("no digits in %q", enc)
		}
	}
}
