package jailrunner

import "testing"

func TestShellQuote(t *testing.T) {
	cases := map[string]string{
		"hello":      `'hello'`,
		"it's":       `'it'\''s'`,
		"":           `''`,
		"a'b'c":      `'a'\''b'\''c'`,
	}
	for in, want := range cases {
		if got := ShellQuote(in); got != want {
			t.Errorf("ShellQuote(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAppendTimeoutNote(t *testing.T) {
	if got := appendTimeoutNote(""); got != "Timeout exceeded" {
		t.Errorf("got %q", got)
	}
	if got := appendTimeoutNote("partial output"); got != "partial output\nTimeout exceeded" {
		t.Errorf("got %q", got)
	}
	if got := appendTimeoutNote("partial output\n"); got != "partial output\nTimeout exceeded" {
		t.Errorf("got %q", got)
	}
}

func TestCapBufferTruncates(t *testing.T) {
	var c capBuffer
	big := make([]byte, OutputCap+100)
	for i := range big {
		big[i] = 'x'
	}
	c.Write(big)
	if c.buf.Len() != OutputCap {
		t.Fatalf("expected cap at %d, got %d", OutputCap, c.buf.Len())
	}
}
