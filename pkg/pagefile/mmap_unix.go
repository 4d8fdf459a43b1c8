//go:build unix || darwin || linux || freebsd || openbsd || netbsd

package pagefile

import (
	"errors"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// OpenMappedStorage opens or creates path and memory-maps it, extending
// the file to at least initialSize bytes first.
func OpenMappedStorage(path string, initialSize int64) (*MappedStorage, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	size := stat.Size()
	if initialSize > size {
		if err := f.Truncate(initialSize); err != nil {
			f.Close()
			return nil, err
		}
		size = initialSize
	}

	if size == 0 {
		f.Close()
		return nil, errors.New("pagefile: cannot map an empty file")
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(size),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &MappedStorage{file: f, data: data, size: size}, nil
}

// Sync flushes the mapped region to disk.
func (m *MappedStorage) Sync() error {
	return unix.Msync(m.data, unix.MS_SYNC)
}

// Grow extends the backing file and remaps it at the new size. Dirty
// pages are synced before the unmap so no write is lost across the remap.
func (m *MappedStorage) Grow(newSize int64) error {
	if newSize <= m.size {
		return nil
	}

	if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
		return err
	}
	if err := syscall.Munmap(m.data); err != nil {
		return err
	}

	f := m.file.(*os.File)
	if err := f.Truncate(newSize); err != nil {
		return err
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(newSize),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return err
	}

	m.data = data
	m.size = newSize
	return nil
}

// Close unmaps the region and closes the underlying file.
func (m *MappedStorage) Close() error {
	var firstErr error

	if m.data != nil {
		if err := syscall.Munmap(m.data); err != nil && firstErr == nil {
			firstErr = err
		}
		m.data = nil
	}

	if m.file != nil {
		f := m.file.(*os.File)
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		m.file = nil
	}

	return firstErr
}
