package ticker

import (
	"errors"
	"testing"
)

func TestParse_Valid(t *testing.T) {
	tests := map[string]string{
		"XYZ":        "XYZ",
		" xyz ":      "XYZ",
		"brk.b":      "BRK.B",
		"A":          "A",
		"GOOG2":      "GOOG2",
		"ABCDEFGHIJ": "ABCDEFGHIJ",
	}
	for in, want := range tests {
		got, err := Parse(in)
		if err != nil {
			t.Errorf("Parse(%q): unexpected error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("Parse(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []string{
		"1ABC",        // must start with a letter
		"AB/C",        // path separator
		"AB C",        // inner space
		"ABCDEFGHIJK", // too long
		".XYZ",
		"XY*",
		"stocks/XYZ",
	}
	for _, in := range tests {
		_, err := Parse(in)
		if !errors.Is(err, ErrInvalidTicker) {
			t.Errorf("Parse(%q): expected ErrInvalidTicker, got %v", in, err)
		}
	}
}

func TestParse_Empty(t *testing.T) {
	for _, in := range []string{"", "   "} {
		if _, err := Parse(in); !errors.Is(err, ErrEmptyTicker) {
			t.Errorf("Parse(%q): expected ErrEmptyTicker, got %v", in, err)
		}
	}
}

func TestMustParse_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for invalid ticker")
		}
	}()
	MustParse("not a ticker")
}
