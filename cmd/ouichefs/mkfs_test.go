package main

import "testing"

func TestParseSize(t *testing.T) {
	t.Parallel()
	for _, tt := range []struct {
		in   string
		want int64
	}{
		{"4096", 4096},
		{"64K", 64 * 1024},
		{"50M", 50 * 1024 * 1024},
		{"2G", 2 * 1024 * 1024 * 1024},
	} {
		got, err := parseSize(tt.in)
		if err != nil {
			t.Errorf("parseSize(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
	if _, err := parseSize("twelve"); err == nil {
		t.Error("parseSize accepted a non-numeric size")
	}
}
