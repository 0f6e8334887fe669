package mkimage

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Input is an ELF file mapped read-only into memory.
type Input struct {
	data   []byte
	mapped bool
}

// OpenInput maps the whole file at path.
func OpenInput(path string) (*Input, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() == 0 {
		return &Input{}, nil
	}
	if int64(int(fi.Size())) != fi.Size() {
		return nil, errors.Errorf("%s is too large to map (%d bytes)", path, fi.Size())
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap %s", path)
	}
	return &Input{data: data, mapped: true}, nil
}

// Bytes returns the file contents. They are only valid until Close.
func (in *Input) Bytes() []byte {
	return in.data
}

// Close unmaps the file.
func (in *Input) Close() error {
	if !in.mapped {
		return nil
	}
	in.mapped = false
	data := in.data
	in.data = nil
	return unix.Munmap(data)
}
