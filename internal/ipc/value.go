package ipc

import "github.com/avsw/shmipc/internal/shm"

// ColorFamily identifies the pixel layout of a clip's frames.
//
//go:generate go tool stringer -type=ColorFamily
type ColorFamily int8

const (
	ColorRGB   ColorFamily = 0 // generic RGB; the bundled slave stub emits ColorRGB24 instead
	ColorYUV   ColorFamily = 1
	ColorGray  ColorFamily = 2
	ColorRGB24 ColorFamily = 3
	ColorRGB32 ColorFamily = 4
	ColorYUY2  ColorFamily = 5
)

// VideoInfo describes a clip's format and extent.
type VideoInfo struct {
	Width       int32
	Height      int32
	FPSNum      uint32
	FPSDen      uint32
	NumFrames   int32
	ColorFamily ColorFamily
	SubsampleW  int8
	SubsampleH  int8
}

const videoInfoWireSize = 4 + 4 + 4 + 4 + 4 + 1 + 1 + 1 + 1 // padded to 4-byte alignment

// VideoFrameRequest identifies a single frame of a clip.
type VideoFrameRequest struct {
	ClipID      uint32
	FrameNumber int32
}

const videoFrameRequestWireSize = 4 + 4

// VideoFrame is the GET_FRAME/SET_FRAME payload: a request plus the heap
// offset of the pixel data and its plane geometry. Up to 4 planes are
// described; unused planes have zero stride and height.
type VideoFrame struct {
	Request    VideoFrameRequest
	HeapOffset uint32
	Stride     [4]int32
	Height     [4]int32
}

const videoFrameWireSize = videoFrameRequestWireSize + 4 + 4*4 + 4*4

// Clip is a registered clip handle paired with its format.
type Clip struct {
	ClipID uint32
	Info   VideoInfo
}

// ValueKind tags the union carried by a Value, named after the ASCII tag
// byte the reference protocol uses on the wire.
type ValueKind byte

const (
	KindClip   ValueKind = 'c'
	KindBool   ValueKind = 'b'
	KindInt    ValueKind = 'i'
	KindFloat  ValueKind = 'f'
	KindString ValueKind = 's'
)

func (k ValueKind) String() string {
	switch k {
	case KindClip:
		return "clip"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	default:
		return "unknown"
	}
}

// Value is a scripting-language value passed across the boundary: a
// tagged union mirroring AviSynth's Value type, with strings carried by
// heap offset rather than inline since they are unbounded length.
type Value struct {
	Kind ValueKind

	ClipID    uint32 // valid when Kind == KindClip
	Bool      bool   // valid when Kind == KindBool
	Int       int64  // valid when Kind == KindInt
	Float     float64
	StringOff uint32 // valid when Kind == KindString; offset of a NUL-terminated heap string
}

// valueWireSize is 1 tag byte, 7 bytes of padding to an 8-byte boundary,
// and 8 bytes of payload big enough for any one member of the union.
const valueWireSize = 16

// OwnsHeapString reports whether this Value carries heap-allocated
// storage that a SET_SCRIPT_VAR command must deallocate or relinquish.
func (v Value) OwnsHeapString() bool {
	return v.Kind == KindString && v.StringOff != shm.NullOffset
}
