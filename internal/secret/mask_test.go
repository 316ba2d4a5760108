package secret

import "testing"

func TestMask(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", ""},
		{"abc", "***"},
		{"abcdef", "a****f"},
		{"abcdefghijklmnopqrstuvwxyz", "abc**********************z"},
	}
	for _, tt := range tests {
		if got := Mask(tt.in); got != tt.want {
			t.Fatalf("Mask(%q) = %q; want %q", tt.in, got, tt.want)
		}
	}
}

func TestMaskURL(t *testing.T) {
	tests := []struct{ in, want string }{
		{"localhost:6379", "localhost:6379"},
		{"redis://localhost:6379/0", "redis://localhost:6379/0"},
		{"redis://:hunter2@localhost:6379/1", "redis://:h*****2@localhost:6379/1"},
		{"redis://user:pw@host:6379", "redis://user:**@host:6379"},
	}
	for _, tt := range tests {
		if got := MaskURL(tt.in); got != tt.want {
			t.Fatalf("MaskURL(%q) = %q; want %q", tt.in, got, tt.want)
		}
	}
}
