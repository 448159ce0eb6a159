package region

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// FileOptions configures opening or creating a file-backed region.
type FileOptions struct {
	Path   string
	Size   uint32
	Create bool
}

// DefaultPath returns the conventional backing-file location for name:
// /dev/shm when present, the OS temp dir otherwise.
func DefaultPath(name string) string {
	if _, err := os.Stat("/dev/shm"); err == nil {
		return filepath.Join("/dev/shm", name)
	}
	return filepath.Join(os.TempDir(), name)
}

// FileProvider is a MemoryProvider backed by a memory-mapped file, usable
// for true cross-process shared memory. unix.Flock guards the
// create-or-open sequence against a concurrent second creator.
type FileProvider struct {
	path string
	file *os.File
	data []byte
	size uint32
}

// OpenFile opens or creates a file-backed region per opts.
func OpenFile(opts FileOptions) (*FileProvider, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("region: path required")
	}

	path := filepath.Clean(opts.Path)
	flags := os.O_RDWR
	if opts.Create {
		// Create recreates from scratch: unlink any previous store file so
		// a stale image, possibly of a different size, never leaks into
		// the fresh region.
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("region: remove %s: %w", path, err)
		}
		flags |= os.O_CREATE
	}

	file, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("region: open %s: %w", path, err)
	}

	// Flock serializes the truncate-then-stat sequence below against a
	// concurrent second creator racing the same path.
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("region: flock %s: %w", path, err)
	}
	defer unix.Flock(int(file.Fd()), unix.LOCK_UN)

	if opts.Create {
		if opts.Size == 0 {
			_ = file.Close()
			return nil, fmt.Errorf("region: size required when creating")
		}
		info, statErr := file.Stat()
		if statErr != nil {
			_ = file.Close()
			return nil, fmt.Errorf("region: stat %s: %w", path, statErr)
		}
		if info.Size() == 0 {
			if err := file.Truncate(int64(opts.Size)); err != nil {
				_ = file.Close()
				return nil, fmt.Errorf("region: truncate %s: %w", path, err)
			}
		}
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("region: stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		_ = file.Close()
		return nil, fmt.Errorf("region: %s has zero size", path)
	}
	size := uint32(info.Size())

	data, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("region: mmap %s: %w", path, err)
	}

	return &FileProvider{path: path, file: file, data: data, size: size}, nil
}

func (f *FileProvider) Size() uint32 { return f.size }

func (f *FileProvider) Bytes() []byte { return f.data }

func (f *FileProvider) ReadAt(offset uint32, dest []byte) error {
	if offset+uint32(len(dest)) > f.size {
		return ErrOutOfBounds
	}
	copy(dest, f.data[offset:offset+uint32(len(dest))])
	return nil
}

func (f *FileProvider) WriteAt(offset uint32, src []byte) error {
	if offset+uint32(len(src)) > f.size {
		return ErrOutOfBounds
	}
	copy(f.data[offset:offset+uint32(len(src))], src)
	return nil
}

func (f *FileProvider) ptrAt(offset uint32) (unsafe.Pointer, error) {
	if offset+4 > f.size {
		return nil, ErrOutOfBounds
	}
	if offset%4 != 0 {
		return nil, ErrMisaligned
	}
	return unsafe.Pointer(&f.data[offset]), nil
}

func (f *FileProvider) AtomicLoad32(offset uint32) (uint32, error) {
	ptr, err := f.ptrAt(offset)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32((*uint32)(ptr)), nil
}

func (f *FileProvider) AtomicStore32(offset uint32, val uint32) error {
	ptr, err := f.ptrAt(offset)
	if err != nil {
		return err
	}
	atomic.StoreUint32((*uint32)(ptr), val)
	return nil
}

func (f *FileProvider) AtomicAdd32(offset uint32, delta uint32) (uint32, error) {
	ptr, err := f.ptrAt(offset)
	if err != nil {
		return 0, err
	}
	return atomic.AddUint32((*uint32)(ptr), delta), nil
}

func (f *FileProvider) CompareAndSwap32(offset uint32, old, new uint32) (bool, error) {
	ptr, err := f.ptrAt(offset)
	if err != nil {
		return false, err
	}
	return atomic.CompareAndSwapUint32((*uint32)(ptr), old, new), nil
}

func (f *FileProvider) Close() error {
	var err error
	if f.data != nil {
		if unmapErr := unix.Munmap(f.data); unmapErr != nil {
			err = unmapErr
		}
		f.data = nil
	}
	if f.file != nil {
		if closeErr := f.file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		f.file = nil
	}
	return err
}
