package common

import (
	"testing"
	"time"
)

func TestFileInfoAccessors(t *testing.T) {
	now := time.Now()
	fi := NewFileInfo("movie.mkv", 1024, false, now)
	if fi.Name() != "movie.mkv" {
		t.Errorf("Name() = %q, want %q", fi.Name(), "movie.mkv")
	}
	if fi.Size() != 1024 {
		t.Errorf("Size() = %d, want 1024", fi.Size())
	}
	if fi.IsDir() {
		t.Error("IsDir() should be false")
	}
	if !fi.ModTime().Equal(now) {
		t.Errorf("ModTime() = %v, want %v", fi.ModTime(), now)
	}
	if fi.Sys() != nil {
		t.Error("Sys() should be nil")
	}
	if fi.Mode().IsDir() {
		t.Error("Mode() should not report a directory")
	}
}

func TestFileInfoDirMode(t *testing.T) {
	fi := NewFileInfo("subs", 0, true, time.Now())
	if !fi.Mode().IsDir() {
		t.Error("Mode() should report a directory when FileIsDir is true")
	}
}

func TestItoa(t *testing.T) {
	if got := Itoa(42); got != "42" {
		t.Errorf("Itoa(42) = %q, want %q", got, "42")
	}
}

func TestItoa64(t *testing.T) {
	if got := Itoa64(1 << 40); got != "1099511627776" {
		t.Errorf("Itoa64() = %q, want %q", got, "1099511627776")
	}
}

func TestPadZero(t *testing.T) {
	tests := []struct {
		n, width int
		want     string
	}{
		{5, 3, "005"},
		{42, 2, "42"},
		{123, 2, "123"}, // already wider than width, left unchanged
	}
	for _, tt := range tests {
		if got := PadZero(tt.n, tt.width); got != tt.want {
			t.Errorf("PadZero(%d, %d) = %q, want %q", tt.n, tt.width, got, tt.want)
		}
	}
}

func TestCleanPath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/a/b/../c", "/a/c"},
		{"a/b", "/a/b"},
		{"", "/"},
		{"//a//b//", "/a/b"},
	}
	for _, tt := range tests {
		if got := CleanPath(tt.in); got != tt.want {
			t.Errorf("CleanPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
