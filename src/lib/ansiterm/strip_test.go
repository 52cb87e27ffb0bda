package ansiterm

import (
	"testing"
)

func TestStripCSI(t *testing.T) {
	in := "\x1b[31mred\x1b[0m plain"
	if got := StripString(in); got != "red plain" {
		t.Errorf("StripString = %q", got)
	}
}

func TestStripOSC(t *testing.T) {
	cases := map[string]string{
		"\x1b]0;title\x07text":      "text",
		"\x1b]8;;http://x\x1b\\lnk": "lnk",
	}
	for in, want := range cases {
		if got := StripString(in); got != want {
			t.Errorf("StripString(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStripPreservesWhitespaceControls(t *testing.T) {
	in := "a\r\nb\tc\x08d"
	if got := StripString(in); got != "a\r\nb\tcd" {
		t.Errorf("StripString = %q", got)
	}
}

func TestStripAcrossChunkBoundaries(t *testing.T) {
	full := "before \x1b[38;5;214mcolored\x1b[0m after \x1b]0;t\x07end"
	want := StripString(full)

	// Any chunking must produce identical output.
	for split := 1; split < len(full); split++ {
		s := NewStripper()
		out := append(s.Strip([]byte(full[:split])), s.Strip([]byte(full[split:]))...)
		if string(out) != want {
			t.Fatalf("split at %d: got %q, want %q", split, out, want)
		}
	}
}

func TestStripByteByByte(t *testing.T) {
	full := "\x1b[1;32m❯\x1b[0m ok \x1bP+q544e\x1b\\done"
	want := StripString(full)

	s := NewStripper()
	var out []byte
	for i := 0; i < len(full); i++ {
		out = append(out, s.Strip([]byte{full[i]})...)
	}
	if string(out) != want {
		t.Errorf("byte-by-byte: got %q, want %q", out, want)
	}
}

func TestResetDiscardsInFlightSequence(t *testing.T) {
	s := NewStripper()
	s.Strip([]byte("\x1b["))
	s.Reset()
	if got := string(s.Strip([]byte("plain"))); got != "plain" {
		t.Errorf("after reset got %q", got)
	}
}
