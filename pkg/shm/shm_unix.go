//go:build unix

package shm

import (
	"os"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

const devShm = "/dev/shm"

func segmentDirs() []string {
	if info, err := os.Stat(devShm); err == nil && info.IsDir() {
		return []string{devShm, os.TempDir()}
	}
	return []string{os.TempDir()}
}

func publish(path string, port uint32) (func() error, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(SegmentSize); err != nil {
		_ = f.Close()
		return nil, err
	}
	data, err := unix.Mmap(int(f.Fd()), 0, SegmentSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	copy(data, encode(port))

	return func() error {
		return errors.CombineErrors(unix.Munmap(data), f.Close())
	}, nil
}

func read(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() != SegmentSize {
		return nil, errors.Wrapf(ErrInvalidSegment, "size %d", info.Size())
	}
	data, err := unix.Mmap(int(f.Fd()), 0, SegmentSize, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	defer unix.Munmap(data)
	return append([]byte(nil), data...), nil
}
