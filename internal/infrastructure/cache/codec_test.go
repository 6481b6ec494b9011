package cache

import (
	"strings"
	"testing"
	"time"
)

type samplePayload struct {
	ID      string    `json:"id"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

func TestEncodeMember(t *testing.T) {
	t.Run("json roundtrip", func(t *testing.T) {
		in := samplePayload{ID: "m1", Content: "你好 world", At: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}

		member, err := encodeMember(in)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		if !strings.Contains(member, ":json:") {
			t.Fatalf("expected json encoding, got %q", member)
		}

		decoded, err := decodeMember(member)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		var out samplePayload
		if err := decoded.decodeInto(&out); err != nil {
			t.Fatalf("decodeInto failed: %v", err)
		}
		if out.ID != in.ID || out.Content != in.Content || !out.At.Equal(in.At) {
			t.Errorf("roundtrip mismatch: got %+v want %+v", out, in)
		}
	})

	t.Run("identical payloads get distinct members", func(t *testing.T) {
		in := samplePayload{ID: "m1", Content: "same"}
		a, err := encodeMember(in)
		if err != nil {
			t.Fatal(err)
		}
		b, err := encodeMember(in)
		if err != nil {
			t.Fatal(err)
		}
		// sorted set 按成员去重，uuid 前缀必须让相同字节的载荷互不相同
		if a == b {
			t.Error("two encodings of the same payload must differ")
		}
	})
}

func TestDecodeMember(t *testing.T) {
	cases := []struct {
		name   string
		member string
	}{
		{"no separator", "garbage"},
		{"empty id", ":json:{}"},
		{"unknown prefix", "abc:xml:<x/>"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := decodeMember(tc.member); err == nil {
				t.Errorf("expected error for %q", tc.member)
			}
		})
	}
}
