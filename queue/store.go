package queue

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// Store is the durable, append-only backlog of measurements that were not
// transmitted yet.
type Store interface {
	// Append adds m at the end of the backlog.
	Append(m Measurement) error
	// ReadAll returns the whole backlog, oldest first.
	ReadAll() ([]Measurement, error)
	// Count returns the number of measurements in the backlog.
	Count() (int, error)
	// Clear empties the backlog.
	Clear() error
}

// FileStore keeps measurements in a single file of fixed-size records. The
// file is only ever appended to or removed, never rewritten in place. A torn
// record at the end, left by a power loss during Append, is ignored.
type FileStore struct {
	Path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

func (s *FileStore) Append(m Measurement) error {
	f, err := os.OpenFile(s.Path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	// Drop a torn tail first so records stay aligned.
	if fi, err := f.Stat(); err == nil {
		if tail := fi.Size() % RecordSize; tail != 0 {
			if err := f.Truncate(fi.Size() - tail); err != nil {
				f.Close()
				return fmt.Errorf("truncate torn record: %w", err)
			}
		}
	}

	record, _ := m.MarshalBinary()
	if _, err := f.Write(record); err != nil {
		f.Close()
		return fmt.Errorf("append record: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync store: %w", err)
	}
	return f.Close()
}

func (s *FileStore) ReadAll() ([]Measurement, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store: %w", err)
	}

	n := len(data) / RecordSize
	ms := make([]Measurement, n)
	for i := range ms {
		if err := ms[i].UnmarshalBinary(data[i*RecordSize : (i+1)*RecordSize]); err != nil {
			return nil, err
		}
	}
	return ms, nil
}

func (s *FileStore) Count() (int, error) {
	fi, err := os.Stat(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stat store: %w", err)
	}
	return int(fi.Size() / RecordSize), nil
}

func (s *FileStore) Clear() error {
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clear store: %w", err)
	}
	return nil
}
