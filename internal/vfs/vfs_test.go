package vfs

import (
	"testing"

	"github.com/privatevod/tvafengine/internal/engine"
	"github.com/privatevod/tvafengine/internal/infohash"
)

type fakeOpener struct{}

func (fakeOpener) OpenRange(ih infohash.T, start, stop int64, user, tracker string, configureATP func(*engine.AddTorrentDescriptor)) ReadSeekCloser {
	return nil
}

func TestCleanComponents(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"/", nil},
		{"", nil},
		{"/a/b/c", []string{"a", "b", "c"}},
		{"a/b/c", []string{"a", "b", "c"}},
		{"/a//b/./c/", []string{"a", "b", "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := cleanComponents(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("cleanComponents(%q) = %v, want %v", tt.in, got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("cleanComponents(%q)[%d] = %q, want %q", tt.in, i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestResolveStaticTree(t *testing.T) {
	v := New(fakeOpener{})

	leaf := NewStaticDir("leaf")
	root := NewStaticDir("films-root")
	root.Add(leaf)
	lib := &staticLibrary{name: "films", root: root}
	v.RegisterLibrary(lib)

	// The root the library's Browse() returns is addressed directly, not
	// nested under its own name again.
	n, err := v.Resolve("/browse/films/leaf", true)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if n.Name() != "leaf" {
		t.Errorf("Resolve() = %q, want %q", n.Name(), "leaf")
	}
}

func TestResolveNotFound(t *testing.T) {
	v := New(fakeOpener{})
	_, err := v.Resolve("/browse/nonexistent", true)
	if err != ErrNotExist {
		t.Errorf("Resolve() error = %v, want ErrNotExist", err)
	}
}

func TestResolveFollowsSymlink(t *testing.T) {
	v := New(fakeOpener{})

	target := NewStaticDir("target")
	root := NewStaticDir("lib-root")
	root.Add(target)
	root.Add(NewSymlink("link", "/browse/lib/target"))
	lib := &staticLibrary{name: "lib", root: root}
	v.RegisterLibrary(lib)

	n, err := v.Resolve("/browse/lib/link", true)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if n.Name() != "target" {
		t.Errorf("Resolve() followed symlink to %q, want %q", n.Name(), "target")
	}
}

func TestResolveSymlinkNotFollowedWhenFollowFinalFalse(t *testing.T) {
	v := New(fakeOpener{})

	target := NewStaticDir("target")
	root := NewStaticDir("lib-root")
	root.Add(target)
	root.Add(NewSymlink("link", "/browse/lib/target"))
	lib := &staticLibrary{name: "lib", root: root}
	v.RegisterLibrary(lib)

	n, err := v.Resolve("/browse/lib/link", false)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if _, ok := n.(*Symlink); !ok {
		t.Errorf("Resolve() with followFinal=false should return the symlink itself, got %T", n)
	}
}

func TestStaticDirAddAndLookup(t *testing.T) {
	d := NewStaticDir("root")
	d.Add(NewStaticDir("child"))
	n, err := d.Lookup("child")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if n.Name() != "child" {
		t.Errorf("Lookup() = %q, want %q", n.Name(), "child")
	}

	children, err := d.ReadDir()
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(children) != 1 {
		t.Errorf("ReadDir() returned %d children, want 1", len(children))
	}
}

func TestStaticDirLookupMissing(t *testing.T) {
	d := NewStaticDir("root")
	_, err := d.Lookup("missing")
	if err != ErrNotExist {
		t.Errorf("Lookup() error = %v, want ErrNotExist", err)
	}
}

// staticLibrary is a minimal Library implementation for exercising
// /browse/<name> resolution without needing a real torrent-backed library.
type staticLibrary struct {
	name string
	root Dir
}

func (l *staticLibrary) Name() string { return l.name }
func (l *staticLibrary) Browse() Dir  { return l.root }
