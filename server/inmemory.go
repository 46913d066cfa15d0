package server

import (
	"bytes"
	"io"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// InMemory stores all the data in memory.
type InMemory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewInMemory creates an empty in-memory storage.
func NewInMemory() *InMemory {
	return &InMemory{
		blobs: make(map[string][]byte),
	}
}

// Put reads the whole contents first and then inserts them under the lock,
// so the existence check and the insert can not interleave with another Put.
func (s *InMemory) Put(name string, r io.Reader) (int64, error) {
	if err := ValidateName(name); err != nil {
		return 0, err
	}

	var b bytes.Buffer
	if _, err := io.Copy(&b, r); err != nil {
		return 0, errors.Wrapf(err, "reading contents of %q", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[name]; ok {
		return 0, ErrExists
	}

	s.blobs[name] = b.Bytes()
	return int64(b.Len()), nil
}

// Get returns a copy of the blob contents.
func (s *InMemory) Get(name string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	buf, ok := s.blobs[name]
	if !ok {
		return nil, ErrNotFound
	}

	return append([]byte(nil), buf...), nil
}

func (s *InMemory) Open(name string) (io.ReadCloser, int64, error) {
	buf, err := s.Get(name)
	if err != nil {
		return nil, 0, err
	}

	return io.NopCloser(bytes.NewReader(buf)), int64(len(buf)), nil
}

func (s *InMemory) Exists(name string) (bool, error) {
	if err := ValidateName(name); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.blobs[name]
	return ok, nil
}

func (s *InMemory) List() ([]FileInfo, error) {
	s.mu.RLock()
	res := make([]FileInfo, 0, len(s.blobs))
	for name, buf := range s.blobs {
		res = append(res, FileInfo{Name: name, Size: int64(len(buf))})
	}
	s.mu.RUnlock()

	sort.Slice(res, func(i, j int) bool {
		return res[i].Name < res[j].Name
	})

	return res, nil
}

func (s *InMemory) UsageBytes() (int64, error) {
	files, err := s.List()
	if err != nil {
		return 0, err
	}

	return usageOf(files), nil
}
