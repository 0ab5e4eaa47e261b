// Package modelimage reads and writes the layered model image format: a
// 256-byte header, a table of 32-byte layer descriptors and the raw layer
// weights. All integers are little-endian.
package modelimage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"layerstream/internal/errs"
	"layerstream/pkg/types"
)

const (
	Magic          uint32 = 0x544D4149 // "TMAI"
	Version        uint32 = 1
	HeaderSize            = 256
	DescriptorSize        = 32
	NameSize              = 64
	nameOffset            = 16

	// DefaultMaxLayers bounds the table of contents.
	DefaultMaxLayers = 256
)

// Image is a parsed header plus table of contents.
type Image struct {
	Version uint32                  `json:"version"`
	Name    string                  `json:"name"`
	Layers  []types.LayerDescriptor `json:"layers"`
	Size    int64                   `json:"size"`
}

// LayerCount returns the number of descriptors.
func (im *Image) LayerCount() uint32 { return uint32(len(im.Layers)) }

// WeightsSize sums the byte sizes of all layers.
func (im *Image) WeightsSize() uint64 {
	var n uint64
	for _, d := range im.Layers {
		n += d.ByteSize
	}
	return n
}

// Parse validates the image found in r (size bytes long). maxLayers <= 0
// uses DefaultMaxLayers.
func Parse(r io.ReaderAt, size int64, maxLayers int) (*Image, error) {
	const op = "modelimage.Parse"
	if maxLayers <= 0 {
		maxLayers = DefaultMaxLayers
	}
	if size < HeaderSize {
		return nil, errs.New(op, errs.InvalidFormat, fmt.Sprintf("file too small for header: %d bytes", size))
	}
	var hdr [HeaderSize]byte
	if _, err := r.ReadAt(hdr[:], 0); err != nil {
		return nil, errs.Wrap(op, errs.IO, err)
	}
	le := binary.LittleEndian
	if m := le.Uint32(hdr[0:4]); m != Magic {
		return nil, errs.New(op, errs.InvalidFormat, fmt.Sprintf("bad magic 0x%08x", m))
	}
	im := &Image{
		Version: le.Uint32(hdr[4:8]),
		Name:    cString(hdr[nameOffset : nameOffset+NameSize]),
		Size:    size,
	}
	count := le.Uint32(hdr[8:12])
	if count > uint32(maxLayers) {
		return nil, errs.New(op, errs.InvalidFormat, fmt.Sprintf("layer count %d exceeds limit %d", count, maxLayers))
	}
	tocEnd := int64(HeaderSize) + int64(count)*DescriptorSize
	if tocEnd > size {
		return nil, errs.New(op, errs.InvalidFormat, "table of contents extends past end of file")
	}
	toc := make([]byte, int(count)*DescriptorSize)
	if len(toc) > 0 {
		if _, err := r.ReadAt(toc, HeaderSize); err != nil {
			return nil, errs.Wrap(op, errs.IO, err)
		}
	}
	im.Layers = make([]types.LayerDescriptor, count)
	for i := uint32(0); i < count; i++ {
		rec := toc[i*DescriptorSize : (i+1)*DescriptorSize]
		d := types.LayerDescriptor{
			Index:         types.LayerIndex(i),
			Offset:        uint64(le.Uint32(rec[0:4])),
			ByteSize:      uint64(le.Uint32(rec[4:8])),
			PrecisionBits: le.Uint32(rec[8:12]),
		}
		if d.ByteSize == 0 {
			return nil, errs.Layer(op, errs.InvalidFormat, i, fmt.Errorf("empty layer"))
		}
		if d.Offset < uint64(tocEnd) || d.End() > uint64(size) {
			return nil, errs.Layer(op, errs.InvalidFormat, i,
				fmt.Errorf("range [%d,%d) outside weights region [%d,%d)", d.Offset, d.End(), tocEnd, size))
		}
		im.Layers[i] = d
	}
	return im, nil
}

// ReadFile parses the header and table of contents of the image at path.
func ReadFile(path string, maxLayers int) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Wrap("modelimage.ReadFile", errs.NotFound, err)
		}
		return nil, errs.Wrap("modelimage.ReadFile", errs.IO, err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, errs.Wrap("modelimage.ReadFile", errs.IO, err)
	}
	return Parse(f, st.Size(), maxLayers)
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
