package types

import "strconv"

// LayerIndex identifies a layer inside a model image (0..LayerCount-1).
type LayerIndex uint32

func (i LayerIndex) String() string { return strconv.FormatUint(uint64(i), 10) }

// LayerDescriptor is one entry of a model image table of contents.
// It is immutable once the image is opened.
type LayerDescriptor struct {
	// Position of the layer in the image.
	// example: 3
	Index LayerIndex `json:"index" example:"3"`
	// Byte offset of the layer weights from the start of the file.
	// example: 8448
	Offset uint64 `json:"offset" example:"8448"`
	// Size of the layer weights in bytes.
	// example: 4096
	ByteSize uint64 `json:"byte_size" example:"4096"`
	// Quantization precision of the weights in bits.
	// example: 4
	PrecisionBits uint32 `json:"precision_bits" example:"4"`
}

// End returns the first byte offset past the layer.
func (d LayerDescriptor) End() uint64 { return d.Offset + d.ByteSize }

// Model represents a model image discovered on disk.
type Model struct {
	// Stable identifier for the model (file name).
	// example: tiny-q4.tmai
	ID string `json:"id" example:"tiny-q4.tmai"`
	// Name embedded in the image header.
	// example: tiny-q4
	Name string `json:"name" example:"tiny-q4"`
	// Absolute path to the image on disk.
	// example: /home/user/models/tiny-q4.tmai
	Path string `json:"path" example:"/home/user/models/tiny-q4.tmai"`
	// Image format version.
	// example: 1
	Version uint32 `json:"version" example:"1"`
	// Number of layers in the table of contents.
	// example: 32
	LayerCount uint32 `json:"layer_count" example:"32"`
	// Size of the image file in bytes.
	// example: 1048576
	SizeBytes int64 `json:"size_bytes" example:"1048576"`
}

// LayerState is the lifecycle state of a layer in the progressive loader.
type LayerState uint8

const (
	LayerUnloaded LayerState = iota
	LayerLoading
	LayerLoaded
	LayerUnloading
	LayerPrefetching
	LayerError
)

func (s LayerState) String() string {
	switch s {
	case LayerUnloaded:
		return "unloaded"
	case LayerLoading:
		return "loading"
	case LayerLoaded:
		return "loaded"
	case LayerUnloading:
		return "unloading"
	case LayerPrefetching:
		return "prefetching"
	case LayerError:
		return "error"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// UsagePattern classifies the recent access history of a loader.
type UsagePattern uint8

const (
	PatternUnknown UsagePattern = iota
	PatternSequential
	PatternRepeated
	PatternRandom
)

func (p UsagePattern) String() string {
	switch p {
	case PatternSequential:
		return "sequential"
	case PatternRepeated:
		return "repeated"
	case PatternRandom:
		return "random"
	default:
		return "unknown"
	}
}
