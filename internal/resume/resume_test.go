package resume

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/privatevod/tvafengine/internal/infohash"
)

func testHash(b byte) infohash.T {
	var h infohash.T
	h[0] = b
	return h
}

func TestIterFromDiskMissingDirReturnsEmpty(t *testing.T) {
	out, err := IterFromDisk(t.TempDir())
	if err != nil {
		t.Fatalf("IterFromDisk() error = %v", err)
	}
	if out != nil {
		t.Errorf("IterFromDisk() = %v, want nil", out)
	}
}

func TestIterFromDiskParsesResumeFiles(t *testing.T) {
	configDir := t.TempDir()
	resumeDir := filepath.Join(configDir, DirName)
	if err := os.MkdirAll(resumeDir, 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}

	ih := testHash(0xab)
	hexName := ih.String()
	if err := os.WriteFile(filepath.Join(resumeDir, hexName+".resume"), []byte("blob-data"), 0644); err != nil {
		t.Fatalf("WriteFile(.resume) error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(resumeDir, hexName+".torrent"), []byte("meta-data"), 0644); err != nil {
		t.Fatalf("WriteFile(.torrent) error = %v", err)
	}

	out, err := IterFromDisk(configDir)
	if err != nil {
		t.Fatalf("IterFromDisk() error = %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("IterFromDisk() returned %d descriptors, want 1", len(out))
	}
	d := out[0]
	if d.InfoHash != ih {
		t.Errorf("InfoHash = %v, want %v", d.InfoHash, ih)
	}
	if string(d.Blob) != "blob-data" {
		t.Errorf("Blob = %q, want %q", d.Blob, "blob-data")
	}
	if string(d.MetaInfo) != "meta-data" {
		t.Errorf("MetaInfo = %q, want %q", d.MetaInfo, "meta-data")
	}
}

func TestIterFromDiskWithoutTorrentSidecar(t *testing.T) {
	configDir := t.TempDir()
	resumeDir := filepath.Join(configDir, DirName)
	if err := os.MkdirAll(resumeDir, 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	ih := testHash(0xcd)
	if err := os.WriteFile(filepath.Join(resumeDir, ih.String()+".resume"), []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	out, err := IterFromDisk(configDir)
	if err != nil {
		t.Fatalf("IterFromDisk() error = %v", err)
	}
	if len(out) != 1 || out[0].MetaInfo != nil {
		t.Errorf("IterFromDisk() = %+v, want one descriptor with nil MetaInfo", out)
	}
}

func TestIterFromDiskSkipsMisnamedFiles(t *testing.T) {
	configDir := t.TempDir()
	resumeDir := filepath.Join(configDir, DirName)
	if err := os.MkdirAll(resumeDir, 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(resumeDir, "not-a-hash.resume"), []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(resumeDir, "ignored.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	out, err := IterFromDisk(configDir)
	if err != nil {
		t.Fatalf("IterFromDisk() error = %v", err)
	}
	if len(out) != 0 {
		t.Errorf("IterFromDisk() = %v, want empty (all entries invalid)", out)
	}
}

func TestAtomicWriteAndDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.resume")
	if err := atomicWrite(path, []byte("hello")); err != nil {
		t.Fatalf("atomicWrite() error = %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("contents = %q, want %q", got, "hello")
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("atomicWrite should not leave a .tmp file behind")
	}

	if err := atomicDelete(path); err != nil {
		t.Fatalf("atomicDelete() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file should be gone after atomicDelete")
	}
}

func TestAtomicDeleteMissingFileIsNotError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.resume")
	if err := atomicDelete(path); err != nil {
		t.Errorf("atomicDelete() on a missing file error = %v, want nil", err)
	}
}

func TestCounterIncDec(t *testing.T) {
	c := newCounter()
	c.inc()
	c.inc()
	c.dec()
	if c.waitZero(10 * time.Millisecond) {
		t.Error("waitZero should still be non-zero after one dec of two incs")
	}
}

func TestCounterWaitZeroReturnsImmediatelyAtZero(t *testing.T) {
	c := newCounter()
	if !c.waitZero(time.Second) {
		t.Error("waitZero on a fresh counter should return true immediately")
	}
}

func TestCounterWaitZeroUnblocksOnDec(t *testing.T) {
	c := newCounter()
	c.inc()
	go func() {
		time.Sleep(10 * time.Millisecond)
		c.dec()
	}()
	if !c.waitZero(time.Second) {
		t.Error("waitZero should unblock once the pending dec fires")
	}
}

func TestCounterDecUnderflowPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("dec() on a zero counter should panic")
		}
	}()
	c := newCounter()
	c.dec()
}

func TestExtractMetaInfoNilHookReturnsNil(t *testing.T) {
	old := MetaInfoExtractor
	MetaInfoExtractor = nil
	defer func() { MetaInfoExtractor = old }()

	if got := extractMetaInfo([]byte("blob")); got != nil {
		t.Errorf("extractMetaInfo() = %v, want nil with no hook installed", got)
	}
}

func TestStripMetaInfoNilHookReturnsInput(t *testing.T) {
	old := MetaInfoStripper
	MetaInfoStripper = nil
	defer func() { MetaInfoStripper = old }()

	in := []byte("blob")
	got := stripMetaInfo(in)
	if string(got) != "blob" {
		t.Errorf("stripMetaInfo() = %q, want input unchanged", got)
	}
}

func TestHexEncode(t *testing.T) {
	if got := hexEncode([]byte{0xab, 0xcd}); got != "abcd" {
		t.Errorf("hexEncode() = %q, want %q", got, "abcd")
	}
}
