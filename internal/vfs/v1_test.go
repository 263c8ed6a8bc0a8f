package vfs

import (
	"testing"

	"github.com/privatevod/tvafengine/internal/engine"
	"github.com/privatevod/tvafengine/internal/infohash"
)

type fakeMetadataProvider struct {
	ih   infohash.T
	meta *engine.PieceInfo
}

func (p *fakeMetadataProvider) LookupMetadata(ih infohash.T) (*engine.PieceInfo, bool) {
	if ih != p.ih {
		return nil, false
	}
	return p.meta, true
}

type fakeAccessProvider struct {
	name   string
	result AccessResult
}

func (p *fakeAccessProvider) Name() string { return p.name }
func (p *fakeAccessProvider) ResolveAccess(ih infohash.T, meta *engine.PieceInfo) (AccessResult, bool) {
	return p.result, true
}

func testMeta() *engine.PieceInfo {
	return &engine.PieceInfo{
		PieceLength: 1024,
		NumPieces:   10,
		TotalLength: 10000,
		Files: []engine.FileEntry{
			{Index: 0, PathComponents: []string{"movie.mkv"}, Start: 0, Stop: 5000},
			{Index: 1, PathComponents: []string{"subs", "en.srt"}, Start: 5000, Stop: 5100},
			{Index: 2, PathComponents: []string{"padding"}, Start: 5100, Stop: 5200, IsPad: true},
		},
	}
}

func testInfoHash() infohash.T {
	ih, _ := infohash.FromHexString("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	return ih
}

func setupV1(t *testing.T) *VFS {
	t.Helper()
	v := New(fakeOpener{})
	ih := testInfoHash()
	v.RegisterMetadataProvider(&fakeMetadataProvider{ih: ih, meta: testMeta()})
	v.RegisterAccessProvider(&fakeAccessProvider{name: "direct"})
	return v
}

func TestV1LookupUnknownInfohashFails(t *testing.T) {
	v := setupV1(t)
	_, err := v.Resolve("/v1/bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb/direct/i/0", true)
	if err != ErrNotExist {
		t.Errorf("error = %v, want ErrNotExist", err)
	}
}

func TestV1LookupByIndex(t *testing.T) {
	v := setupV1(t)
	n, err := v.Resolve("/v1/"+testInfoHash().String()+"/direct/i/0", true)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	f, ok := n.(File)
	if !ok {
		t.Fatalf("Resolve() = %T, want a File", n)
	}
	if f.Size() != 5000 {
		t.Errorf("Size() = %d, want 5000", f.Size())
	}
}

func TestV1LookupByIndexSkipsPad(t *testing.T) {
	v := setupV1(t)
	_, err := v.Resolve("/v1/"+testInfoHash().String()+"/direct/i/2", true)
	if err != ErrNotExist {
		t.Errorf("error = %v, want ErrNotExist (pad files are not addressable)", err)
	}
}

func TestV1LookupByPath(t *testing.T) {
	v := setupV1(t)
	n, err := v.Resolve("/v1/"+testInfoHash().String()+"/direct/f/movie.mkv", true)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	f, ok := n.(File)
	if !ok {
		t.Fatalf("Resolve() = %T, want a File", n)
	}
	if f.Size() != 5000 {
		t.Errorf("Size() = %d, want 5000", f.Size())
	}
}

func TestV1LookupByNestedPath(t *testing.T) {
	v := setupV1(t)
	n, err := v.Resolve("/v1/"+testInfoHash().String()+"/direct/f/subs/en.srt", true)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	f, ok := n.(File)
	if !ok {
		t.Fatalf("Resolve() = %T, want a File", n)
	}
	if f.Size() != 100 {
		t.Errorf("Size() = %d, want 100", f.Size())
	}
}

func TestV1LookupPathIntermediateDir(t *testing.T) {
	v := setupV1(t)
	n, err := v.Resolve("/v1/"+testInfoHash().String()+"/direct/f/subs", true)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	d, ok := n.(Dir)
	if !ok {
		t.Fatalf("Resolve() = %T, want a Dir", n)
	}
	children, err := d.ReadDir()
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(children) != 1 || children[0].Name() != "en.srt" {
		t.Errorf("ReadDir() = %v, want [en.srt]", children)
	}
}

func TestV1AccessorUnknownFails(t *testing.T) {
	v := New(fakeOpener{})
	ih := testInfoHash()
	v.RegisterMetadataProvider(&fakeMetadataProvider{ih: ih, meta: testMeta()})
	// No access provider registered at all.
	_, err := v.Resolve("/v1/"+ih.String()+"/direct/i/0", true)
	if err != ErrNotExist {
		t.Errorf("error = %v, want ErrNotExist", err)
	}
}

func TestV1ResultCachedAcrossLookups(t *testing.T) {
	v := setupV1(t)
	ih := testInfoHash()
	n1, err := v.Resolve("/v1/"+ih.String(), true)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	n2, err := v.Resolve("/v1/"+ih.String(), true)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if n1 != n2 {
		t.Error("repeated lookups of the same infohash should return the cached torrentRoot")
	}
}

func TestParseFileIndex(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"0", 0, false},
		{"42", 42, false},
		{"", 0, true},
		{"abc", 0, true},
		{"-1", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseFileIndex(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseFileIndex(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("parseFileIndex(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestSafePathComponents(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want bool
	}{
		{"clean path", []string{"a", "b"}, true},
		{"dot component", []string{"a", "."}, false},
		{"dotdot component", []string{"..", "a"}, false},
		{"embedded slash", []string{"a/b"}, false},
		{"empty component", []string{""}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := safePathComponents(tt.in); got != tt.want {
				t.Errorf("safePathComponents(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestItoa(t *testing.T) {
	tests := []struct {
		in   int
		want string
	}{
		{0, "0"},
		{42, "42"},
		{-7, "-7"},
	}
	for _, tt := range tests {
		if got := itoa(tt.in); got != tt.want {
			t.Errorf("itoa(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
