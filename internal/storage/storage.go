// Package storage defines where downloaded torrent data is kept.
package storage

import (
	"fmt"
	"io"
	"strings"
)

// Storage opens the files of a torrent.
type Storage interface {
	// Open a file. If the file does not exist, it will be created with the given size.
	Open(name string, size int64) (f File, exists bool, err error)
	// RootDir is the directory files are placed under.
	RootDir() string
	// Remove deletes the named files.
	Remove(names []string) error
}

// File interface for reading and writing torrent data.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	// Sync commits written data to stable storage.
	Sync() error
}

// AllocationMode selects how new files are created.
type AllocationMode int

const (
	// Full reserves every byte of the file on disk when it is created.
	Full AllocationMode = iota
	// Compact creates sparse files that grow as data is written.
	Compact
)

var allocationModeNames = map[AllocationMode]string{
	Full:    "full",
	Compact: "compact",
}

func (m AllocationMode) String() string {
	return allocationModeNames[m]
}

// ParseAllocationMode converts "full" or "compact" into an AllocationMode.
func ParseAllocationMode(s string) (AllocationMode, error) {
	for m, name := range allocationModeNames {
		if strings.EqualFold(s, name) {
			return m, nil
		}
	}
	return Full, fmt.Errorf("unknown allocation mode: %q", s)
}

// MarshalYAML implements yaml.Marshaler.
func (m AllocationMode) MarshalYAML() (interface{}, error) {
	return m.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (m *AllocationMode) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := ParseAllocationMode(s)
	if err != nil {
		return err
	}
	*m = v
	return nil
}
