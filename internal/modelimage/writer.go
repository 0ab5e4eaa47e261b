package modelimage

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"layerstream/internal/errs"
)

// weightAlign is the alignment of each layer's weights inside the image.
const weightAlign = 64

// Layer is the input to Write: raw weights plus their precision.
type Layer struct {
	Data          []byte
	PrecisionBits uint32
}

// Write encodes an image with the given name and layers to w.
func Write(w io.Writer, name string, layers []Layer) error {
	const op = "modelimage.Write"
	if len(layers) > DefaultMaxLayers {
		return errs.New(op, errs.InvalidArgument, fmt.Sprintf("%d layers exceeds limit %d", len(layers), DefaultMaxLayers))
	}
	if len(name) >= NameSize {
		name = name[:NameSize-1]
	}
	le := binary.LittleEndian
	hdr := make([]byte, HeaderSize)
	le.PutUint32(hdr[0:4], Magic)
	le.PutUint32(hdr[4:8], Version)
	le.PutUint32(hdr[8:12], uint32(len(layers)))
	copy(hdr[nameOffset:nameOffset+NameSize], name)

	toc := make([]byte, len(layers)*DescriptorSize)
	off := alignUp(uint64(HeaderSize+len(toc)), weightAlign)
	offsets := make([]uint64, len(layers))
	for i, l := range layers {
		if len(l.Data) == 0 {
			return errs.Layer(op, errs.InvalidArgument, uint32(i), fmt.Errorf("empty layer"))
		}
		offsets[i] = off
		end := off + uint64(len(l.Data))
		if end > math.MaxUint32 {
			return errs.Layer(op, errs.InvalidArgument, uint32(i), fmt.Errorf("image exceeds 4 GiB offset range"))
		}
		rec := toc[i*DescriptorSize:]
		le.PutUint32(rec[0:4], uint32(off))
		le.PutUint32(rec[4:8], uint32(len(l.Data)))
		le.PutUint32(rec[8:12], l.PrecisionBits)
		off = alignUp(end, weightAlign)
	}

	bw := bufio.NewWriter(w)
	if _, err := bw.Write(hdr); err != nil {
		return errs.Wrap(op, errs.IO, err)
	}
	if _, err := bw.Write(toc); err != nil {
		return errs.Wrap(op, errs.IO, err)
	}
	pos := uint64(HeaderSize + len(toc))
	for i, l := range layers {
		if err := pad(bw, offsets[i]-pos); err != nil {
			return errs.Wrap(op, errs.IO, err)
		}
		if _, err := bw.Write(l.Data); err != nil {
			return errs.Wrap(op, errs.IO, err)
		}
		pos = offsets[i] + uint64(len(l.Data))
	}
	if err := bw.Flush(); err != nil {
		return errs.Wrap(op, errs.IO, err)
	}
	return nil
}

// WriteFile writes an image to path, replacing any existing file.
func WriteFile(path, name string, layers []Layer) error {
	f, err := os.Create(path)
	if err != nil {
		return errs.Wrap("modelimage.WriteFile", errs.IO, err)
	}
	if err := Write(f, name, layers); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return errs.Wrap("modelimage.WriteFile", errs.IO, err)
	}
	return nil
}

func alignUp(n, a uint64) uint64 { return (n + a - 1) / a * a }

func pad(w io.Writer, n uint64) error {
	if n == 0 {
		return nil
	}
	_, err := w.Write(make([]byte, n))
	return err
}
