package server

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testNewOnDisk(t *testing.T, dir string) *OnDisk {
	t.Helper()

	srv, err := NewOnDisk(log.Default(), dir)
	if err != nil {
		t.Fatalf("NewOnDisk(): %v", err)
	}

	return srv
}

func testCreateFile(t *testing.T, filename string, contents string) {
	t.Helper()

	if err := os.WriteFile(filename, []byte(contents), 0666); err != nil {
		t.Fatalf("could not create file %q: %v", filename, err)
	}
}

func TestNewOnDiskCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	testNewOnDisk(t, dir)

	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		t.Fatalf("Stat(%q) = %v, %v; want an existing directory", dir, st, err)
	}
}

func TestNewOnDiskRemovesStaleTempFiles(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, tempPrefix+"12345")
	testCreateFile(t, stale, "half written")
	testCreateFile(t, filepath.Join(dir, "kept"), "kept")

	testNewOnDisk(t, dir)

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("Stat(%q) = %v; want the stale temp file to be removed", stale, err)
	}

	if _, err := os.Stat(filepath.Join(dir, "kept")); err != nil {
		t.Errorf("Stat(kept) = %v; want regular files to survive", err)
	}
}

func TestOnDiskListSkipsHiddenAndDirectories(t *testing.T) {
	dir := t.TempDir()
	srv := testNewOnDisk(t, dir)

	testCreateFile(t, filepath.Join(dir, ".incoming-999"), "in flight")
	if err := os.Mkdir(filepath.Join(dir, "subdir"), 0777); err != nil {
		t.Fatalf("Mkdir(): %v", err)
	}

	if _, err := srv.Put("visible", strings.NewReader("hello")); err != nil {
		t.Fatalf("Put() = %v", err)
	}

	files, err := srv.List()
	if err != nil {
		t.Fatalf("List() = %v", err)
	}

	if len(files) != 1 || files[0].Name != "visible" || files[0].Size != 5 {
		t.Errorf("List() = %+v; want only {visible 5}", files)
	}
}

func TestOnDiskPutLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	srv := testNewOnDisk(t, dir)

	if _, err := srv.Put("a", strings.NewReader("first")); err != nil {
		t.Fatalf("Put(a) = %v", err)
	}

	// rejected writes must clean up after themselves too
	srv.Put("a", strings.NewReader("second"))

	dis, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir(): %v", err)
	}

	for _, di := range dis {
		if strings.HasPrefix(di.Name(), tempPrefix) {
			t.Errorf("found leftover temp file %q", di.Name())
		}
	}
}

func TestOnDiskSeesFilesWrittenOutOfBand(t *testing.T) {
	dir := t.TempDir()
	srv := testNewOnDisk(t, dir)

	testCreateFile(t, filepath.Join(dir, "copied-in"), "12345")

	if _, err := srv.Put("copied-in", strings.NewReader("x")); err != ErrExists {
		t.Errorf("Put(copied-in) = %v; want ErrExists", err)
	}

	got, err := srv.Get("copied-in")
	if err != nil || string(got) != "12345" {
		t.Errorf("Get(copied-in) = %q, %v; want %q, nil", got, err, "12345")
	}
}
