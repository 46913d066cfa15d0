package server

import (
	"bytes"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

const tempPrefix = ".incoming-"

// OnDisk stores every blob as a separate file in a single directory.
type OnDisk struct {
	logger  *log.Logger
	dirname string
}

// NewOnDisk creates a storage that keeps all it's data in dirname.
// The directory is created if it does not exist yet.
func NewOnDisk(logger *log.Logger, dirname string) (*OnDisk, error) {
	if err := os.MkdirAll(dirname, 0777); err != nil {
		return nil, errors.Wrapf(err, "creating data directory %q", dirname)
	}

	filename := filepath.Join(dirname, ".write_test")
	fp, err := os.OpenFile(filename, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return nil, errors.Wrapf(err, "creating test file %q", filename)
	}
	fp.Close()
	os.Remove(fp.Name())

	s := &OnDisk{
		logger:  logger,
		dirname: dirname,
	}

	s.removeStaleTempFiles()

	return s, nil
}

// Files that were being written when the process died are never linked
// to their final name, so they can be removed safely on start.
func (s *OnDisk) removeStaleTempFiles() {
	dis, err := os.ReadDir(s.dirname)
	if err != nil {
		s.logger.Printf("Could not read %q to clean temp files: %v", s.dirname, err)
		return
	}

	for _, di := range dis {
		if !strings.HasPrefix(di.Name(), tempPrefix) {
			continue
		}

		if err := os.Remove(filepath.Join(s.dirname, di.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Printf("Could not remove stale temp file %q: %v", di.Name(), err)
		}
	}
}

func (s *OnDisk) path(name string) string {
	return filepath.Join(s.dirname, name)
}

// Put writes the contents into a temp file first and then hard-links it
// to the final name. link(2) fails when the target exists, so concurrent
// writers of the same name can not both succeed and a reader never sees
// a partially written blob.
func (s *OnDisk) Put(name string, r io.Reader) (int64, error) {
	if err := ValidateName(name); err != nil {
		return 0, err
	}

	if exists, err := s.Exists(name); err != nil {
		return 0, err
	} else if exists {
		return 0, ErrExists
	}

	tmp, err := os.CreateTemp(s.dirname, tempPrefix+"*")
	if err != nil {
		return 0, errors.Wrap(err, "creating temp file")
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return 0, errors.Wrapf(err, "writing %q", name)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, errors.Wrapf(err, "syncing %q", name)
	}

	if err := tmp.Close(); err != nil {
		return 0, errors.Wrapf(err, "closing temp file for %q", name)
	}

	if err := os.Link(tmp.Name(), s.path(name)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return 0, ErrExists
		}
		return 0, errors.Wrapf(err, "linking %q", name)
	}

	return n, nil
}

// Get reads the whole blob into memory.
func (s *OnDisk) Get(name string) ([]byte, error) {
	rd, size, err := s.Open(name)
	if err != nil {
		return nil, err
	}
	defer rd.Close()

	buf := bytes.NewBuffer(make([]byte, 0, size))
	if _, err := io.Copy(buf, rd); err != nil {
		return nil, errors.Wrapf(err, "reading %q", name)
	}

	return buf.Bytes(), nil
}

// Open returns the blob contents together with it's size.
func (s *OnDisk) Open(name string) (io.ReadCloser, int64, error) {
	if err := ValidateName(name); err != nil {
		return nil, 0, err
	}

	fp, err := os.Open(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, ErrNotFound
	} else if err != nil {
		return nil, 0, errors.Wrapf(err, "open %q", name)
	}

	st, err := fp.Stat()
	if err != nil {
		fp.Close()
		return nil, 0, errors.Wrapf(err, "stat %q", name)
	}

	return fp, st.Size(), nil
}

// Exists reports whether the blob is stored locally.
// If the file does not exist no error is returned.
func (s *OnDisk) Exists(name string) (bool, error) {
	if err := ValidateName(name); err != nil {
		return false, err
	}

	_, err := os.Stat(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, errors.Wrapf(err, "stat %q", name)
	}

	return true, nil
}

// List returns every blob that is currently present. os.ReadDir already
// sorts the entries by name.
func (s *OnDisk) List() ([]FileInfo, error) {
	dis, err := os.ReadDir(s.dirname)
	if err != nil {
		return nil, errors.Wrapf(err, "readdir(%q)", s.dirname)
	}

	res := make([]FileInfo, 0, len(dis))
	for _, di := range dis {
		if di.IsDir() || strings.HasPrefix(di.Name(), ".") {
			continue
		}

		fi, err := di.Info()
		if errors.Is(err, fs.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, errors.Wrap(err, "reading directory")
		}

		res = append(res, FileInfo{
			Name: di.Name(),
			Size: fi.Size(),
		})
	}

	return res, nil
}

// UsageBytes sums the sizes of all blobs. It walks the whole directory
// every time.
func (s *OnDisk) UsageBytes() (int64, error) {
	files, err := s.List()
	if err != nil {
		return 0, err
	}

	return usageOf(files), nil
}
