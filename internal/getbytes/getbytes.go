// Package getbytes reinterprets numeric slices as raw bytes without
// copying. The stream plane uses it to turn 16-bit sample buffers into UDP
// payloads; it assumes a little-endian host, which the wire format matches.
package getbytes

import "unsafe"

// FromSliceUint16 converts a []uint16 to []byte using unsafe
func FromSliceUint16(d []uint16) []byte {
	if len(d) == 0 {
		return []byte{}
	}
	outlength := uintptr(len(d)) * unsafe.Sizeof(d[0]) / unsafe.Sizeof(byte(0))
	return unsafe.Slice((*byte)(unsafe.Pointer(&d[0])), outlength)
}

// FromSliceUint32 converts a []uint32 to []byte using unsafe
func FromSliceUint32(d []uint32) []byte {
	if len(d) == 0 {
		return []byte{}
	}
	outlength := uintptr(len(d)) * unsafe.Sizeof(d[0]) / unsafe.Sizeof(byte(0))
	return unsafe.Slice((*byte)(unsafe.Pointer(&d[0])), outlength)
}

// FromUint32 converts a uint32 to []byte using unsafe
func FromUint32(d uint32) []byte {
	return FromSliceUint32([]uint32{d})
}
