package layercache

import (
	"io"
	"os"

	"golang.org/x/sys/unix"

	"layerstream/internal/errs"
	"layerstream/pkg/types"
)

// source serves layer byte ranges either from a read-only mapping or from
// positional reads.
type source struct {
	mapped []byte
	ra     io.ReaderAt
	size   int64
	close  func() error
}

// openFile maps path read-only. If mmap is unavailable, or disabled, it
// falls back to ReadAt on the open file.
func openFile(path string, noMmap bool) (*source, error) {
	const op = "layercache.Open"
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Wrap(op, errs.NotFound, err)
		}
		return nil, errs.Wrap(op, errs.IO, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errs.Wrap(op, errs.IO, err)
	}
	size := st.Size()
	if size <= 0 || size > int64(int(^uint(0)>>1)) {
		_ = f.Close()
		return nil, errs.New(op, errs.InvalidFormat, "unsupported file size")
	}
	if !noMmap {
		data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
		if err == nil {
			// The mapping stays valid after the descriptor is closed.
			_ = f.Close()
			return &source{
				mapped: data,
				size:   size,
				close:  func() error { return unix.Munmap(data) },
			}, nil
		}
	}
	return &source{ra: f, size: size, close: f.Close}, nil
}

func (s *source) ReadAt(p []byte, off int64) (int, error) {
	if s.mapped != nil {
		if off < 0 || off >= int64(len(s.mapped)) {
			return 0, io.EOF
		}
		n := copy(p, s.mapped[off:])
		if n < len(p) {
			return n, io.EOF
		}
		return n, nil
	}
	return s.ra.ReadAt(p, off)
}

// read copies one layer into a fresh heap buffer.
func (s *source) read(d types.LayerDescriptor) ([]byte, error) {
	buf := make([]byte, d.ByteSize)
	n, err := s.ReadAt(buf, int64(d.Offset))
	if n == len(buf) {
		return buf, nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return nil, errs.Layer("layercache.read", errs.IO, uint32(d.Index), err)
}

func (s *source) Close() error {
	if s.close == nil {
		return nil
	}
	fn := s.close
	s.close = nil
	return fn()
}
