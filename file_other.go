//go:build !linux

package mkimage

import (
	"os"
)

// Input is the contents of an ELF file read into memory.
type Input struct {
	data []byte
}

// OpenInput reads the whole file at path.
func OpenInput(path string) (*Input, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &Input{data: data}, nil
}

// Bytes returns the file contents. They are only valid until Close.
func (in *Input) Bytes() []byte {
	return in.data
}

// Close releases the file contents.
func (in *Input) Close() error {
	in.data = nil
	return nil
}
