package server

import (
	"io"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrExists is returned by Put when a blob with the same name is already stored.
	ErrExists = errors.New("file already exists")
	// ErrNotFound is returned when the requested blob is absent.
	ErrNotFound = errors.New("file not found")
	// ErrInvalidName is returned for names that can not be stored as a single file.
	ErrInvalidName = errors.New("invalid file name")
)

// FileInfo is a single entry of the local listing.
type FileInfo struct {
	Name string
	Size int64
}

// Storage is the local blob store. Blobs are write-once: there is no way
// to overwrite or delete them through this interface.
type Storage interface {
	// Put stores the contents of r under name unless the name is taken.
	Put(name string, r io.Reader) (int64, error)
	Get(name string) ([]byte, error)
	Open(name string) (io.ReadCloser, int64, error)
	Exists(name string) (bool, error)
	// List is recomputed on every call.
	List() ([]FileInfo, error)
	UsageBytes() (int64, error)
}

// ValidateName checks that the name refers to a single file inside the data
// directory. Names starting with a dot are reserved for files being written.
func ValidateName(name string) error {
	if name == "" {
		return errors.Wrap(ErrInvalidName, "empty name")
	}

	if strings.HasPrefix(name, ".") {
		return errors.Wrapf(ErrInvalidName, "%q starts with a dot", name)
	}

	if strings.ContainsAny(name, "/\\\x00") {
		return errors.Wrapf(ErrInvalidName, "%q contains a path separator", name)
	}

	return nil
}

func usageOf(files []FileInfo) int64 {
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return total
}
