package vfs

import (
	"strings"

	"github.com/privatevod/tvafengine/internal/engine"
	"github.com/privatevod/tvafengine/internal/infohash"
)

// v1Dir is /v1: lookup(infohash) invokes each registered metadata
// provider in turn until one succeeds, per spec.md §4.6. readdir is
// unsupported since the torrent universe isn't enumerable.
type v1Dir struct{ v *VFS }

func (d *v1Dir) Name() string { return "v1" }
func (d *v1Dir) IsDir() bool  { return true }

func (d *v1Dir) Lookup(name string) (Node, error) {
	ih, err := infohash.FromHexString(name)
	if err != nil {
		return nil, ErrNotExist
	}

	d.v.mu.RLock()
	if r, ok := d.v.v1Cache[ih]; ok {
		d.v.mu.RUnlock()
		return r, nil
	}
	providers := append([]MetadataProvider(nil), d.v.metaProvs...)
	d.v.mu.RUnlock()

	for _, p := range providers {
		meta, ok := p.LookupMetadata(ih)
		if !ok {
			continue
		}
		root := &torrentRoot{v: d.v, ih: ih, meta: meta}
		d.v.mu.Lock()
		d.v.v1Cache[ih] = root
		d.v.mu.Unlock()
		return root, nil
	}
	return nil, ErrNotExist
}

func (d *v1Dir) ReadDir() ([]Node, error) { return nil, ErrReaddirUnsupported }

// torrentRoot is /v1/<infohash>: lookup(accessor) invokes each registered
// access provider in turn.
type torrentRoot struct {
	v    *VFS
	ih   infohash.T
	meta *engine.PieceInfo
}

func (r *torrentRoot) Name() string { return r.ih.String() }
func (r *torrentRoot) IsDir() bool  { return true }

func (r *torrentRoot) Lookup(accessor string) (Node, error) {
	r.v.mu.RLock()
	providers := append([]AccessProvider(nil), r.v.accessProvs...)
	r.v.mu.RUnlock()

	for _, p := range providers {
		if p.Name() != accessor {
			continue
		}
		res, ok := p.ResolveAccess(r.ih, r.meta)
		if !ok {
			continue
		}
		if res.RedirectTo != "" {
			return NewSymlink(accessor, res.RedirectTo), nil
		}
		return &accessorDir{v: r.v, ih: r.ih, meta: r.meta, name: accessor, res: res}, nil
	}
	return nil, ErrNotExist
}

func (r *torrentRoot) ReadDir() ([]Node, error) { return nil, ErrReaddirUnsupported }

// accessorDir is /v1/<infohash>/<accessor>: the fixed i/ and f/ split.
type accessorDir struct {
	v    *VFS
	ih   infohash.T
	meta *engine.PieceInfo
	name string
	res  AccessResult
}

func (d *accessorDir) Name() string { return d.name }
func (d *accessorDir) IsDir() bool  { return true }

func (d *accessorDir) Lookup(name string) (Node, error) {
	switch name {
	case "i":
		return &indexDir{acc: d}, nil
	case "f":
		return &pathDir{acc: d}, nil
	default:
		return nil, ErrNotExist
	}
}

func (d *accessorDir) ReadDir() ([]Node, error) {
	return []Node{&indexDir{acc: d}, &pathDir{acc: d}}, nil
}

// indexDir is .../i: one TorrentFile per file index, per spec.md §4.6.
type indexDir struct{ acc *accessorDir }

func (d *indexDir) Name() string { return "i" }
func (d *indexDir) IsDir() bool  { return true }

func (d *indexDir) Lookup(name string) (Node, error) {
	idx, err := parseFileIndex(name)
	if err != nil || d.acc.meta == nil || idx < 0 || idx >= len(d.acc.meta.Files) {
		return nil, ErrNotExist
	}
	fe := d.acc.meta.Files[idx]
	if fe.IsPad {
		return nil, ErrNotExist
	}
	return newTorrentFile(d.acc, fe, name), nil
}

func (d *indexDir) ReadDir() ([]Node, error) {
	if d.acc.meta == nil {
		return nil, nil
	}
	out := make([]Node, 0, len(d.acc.meta.Files))
	for i, fe := range d.acc.meta.Files {
		if fe.IsPad {
			continue
		}
		out = append(out, newTorrentFile(d.acc, fe, itoa(i)))
	}
	return out, nil
}

// pathDir is .../f: a tree of Symlinks mirroring each file's path
// components, pointing back at the accessor's i/<k> (one "../" per path
// component, relative to the symlink's directory). Per spec.md §4.6, entries
// whose path contains ".", "..", or an embedded "/" in a single component
// are dropped from this view (but remain addressable via i/).
type pathDir struct {
	acc    *accessorDir
	prefix []string // path components already walked under f/
}

func (d *pathDir) Name() string {
	if len(d.prefix) == 0 {
		return "f"
	}
	return d.prefix[len(d.prefix)-1]
}
func (d *pathDir) IsDir() bool { return true }

func (d *pathDir) Lookup(name string) (Node, error) {
	if d.acc.meta == nil {
		return nil, ErrNotExist
	}
	next := append(append([]string(nil), d.prefix...), name)
	return d.resolveUnder(next)
}

func (d *pathDir) resolveUnder(prefix []string) (Node, error) {
	var match *engine.FileEntry
	var idx int
	isDirLevel := false
	for i := range d.acc.meta.Files {
		fe := d.acc.meta.Files[i]
		if fe.IsPad || !safePathComponents(fe.PathComponents) {
			continue
		}
		if len(fe.PathComponents) < len(prefix) {
			continue
		}
		if !hasPrefix(fe.PathComponents, prefix) {
			continue
		}
		if len(fe.PathComponents) == len(prefix) {
			match = &fe
			idx = i
			continue
		}
		isDirLevel = true
	}
	if match != nil && !isDirLevel {
		return NewSymlink(prefix[len(prefix)-1], strings.Repeat("../", len(prefix))+"i/"+itoa(idx)), nil
	}
	if isDirLevel {
		return &pathDir{acc: d.acc, prefix: prefix}, nil
	}
	return nil, ErrNotExist
}

func (d *pathDir) ReadDir() ([]Node, error) {
	if d.acc.meta == nil {
		return nil, nil
	}
	seen := make(map[string]Node)
	for i, fe := range d.acc.meta.Files {
		if fe.IsPad || !safePathComponents(fe.PathComponents) {
			continue
		}
		if !hasPrefix(fe.PathComponents, d.prefix) {
			continue
		}
		rest := fe.PathComponents[len(d.prefix):]
		if len(rest) == 0 {
			continue
		}
		name := rest[0]
		if len(rest) == 1 {
			seen[name] = NewSymlink(name, strings.Repeat("../", len(d.prefix)+1)+"i/"+itoa(i))
		} else if _, ok := seen[name]; !ok {
			seen[name] = &pathDir{acc: d.acc, prefix: append(append([]string(nil), d.prefix...), name)}
		}
	}
	out := make([]Node, 0, len(seen))
	for _, n := range seen {
		out = append(out, n)
	}
	return out, nil
}

func hasPrefix(components, prefix []string) bool {
	if len(components) < len(prefix) {
		return false
	}
	for i, p := range prefix {
		if components[i] != p {
			return false
		}
	}
	return true
}

// safePathComponents rejects ".", "..", empty, and any component embedding
// a "/", per spec.md §4.6's bad-path rule for the f/ view.
func safePathComponents(components []string) bool {
	for _, c := range components {
		if c == "" || c == "." || c == ".." || strings.Contains(c, "/") {
			return false
		}
	}
	return true
}

func parseFileIndex(s string) (int, error) {
	n := 0
	if s == "" {
		return 0, errBadIndex
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errBadIndex
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}

var errBadIndex = pathError("bad file index")

type pathError string

func (e pathError) Error() string { return string(e) }

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// torrentFile is a leaf under i/, opened via the VFS's Opener.
type torrentFile struct {
	acc   *accessorDir
	entry engine.FileEntry
	name  string
}

func newTorrentFile(acc *accessorDir, fe engine.FileEntry, name string) *torrentFile {
	return &torrentFile{acc: acc, entry: fe, name: name}
}

func (f *torrentFile) Name() string { return f.name }
func (f *torrentFile) IsDir() bool  { return false }
func (f *torrentFile) Size() int64  { return f.entry.Stop - f.entry.Start }

func (f *torrentFile) Open(user string) (ReadSeekCloser, error) {
	tracker := f.acc.name
	if len(f.acc.res.Trackers) > 0 {
		tracker = f.acc.res.Trackers[0]
	}
	return f.acc.v.opener.OpenRange(f.acc.ih, f.entry.Start, f.entry.Stop, user, tracker, f.acc.res.ConfigureATP), nil
}
