package cache

import "testing"

func TestFormatScore(t *testing.T) {
	cases := map[int64]string{
		0:             "0",
		42:            "42",
		-7:            "-7",
		1700000000000: "1700000000000",
	}
	for in, want := range cases {
		if got := formatScore(in); got != want {
			t.Errorf("formatScore(%d) = %s, want %s", in, got, want)
		}
	}
}
