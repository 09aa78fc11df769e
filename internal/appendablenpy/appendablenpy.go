// Package appendablenpy writes numpy's *.npy format with a shape field
// that grows as more items are appended.
package appendablenpy

import (
	"fmt"
	"os"
)

// The npy header must occupy a multiple of 64 bytes.
const headerUnits = 64

// shapeDigits is the fixed width reserved for the item count, so the
// header never needs to move.
const shapeDigits = 10

// Writer is an *.npy file open for appending fixed-size items.
type Writer struct {
	file     *os.File
	itemSize int
	shapeOff int64
	items    int64
}

// Create opens path as a fresh one-dimensional npy file of the given numpy
// dtype (e.g. "'<u2'") whose items are itemSize bytes each.
func Create(path, dtype string, itemSize int) (*Writer, error) {
	if itemSize <= 0 {
		return nil, fmt.Errorf("item size %d must be positive", itemSize)
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	header := []byte{0x93, 'N', 'U', 'M', 'P', 'Y', 0x01, 0, 0, 0}
	header = append(header, fmt.Sprintf("{'descr': %s, 'fortran_order': False, 'shape': (", dtype)...)
	shapeOff := int64(len(header))
	header = append(header, fmt.Sprintf("%-*d,),}", shapeDigits, 0)...)

	// Bytes 8-9 hold the post-preamble header length, little-endian,
	// padded with spaces plus a final newline to a 64-byte multiple.
	const preambleSize = 10
	nunits := (len(header) + headerUnits) / headerUnits
	headerSize := nunits*headerUnits - preambleSize
	header[8] = byte(headerSize % 256)
	header[9] = byte(headerSize / 256)
	for len(header) < preambleSize+headerSize-1 {
		header = append(header, ' ')
	}
	header = append(header, '\n')

	if _, err := file.Write(header); err != nil {
		file.Close()
		return nil, err
	}
	return &Writer{file: file, itemSize: itemSize, shapeOff: shapeOff}, nil
}

// Append writes raw item bytes at the end of the file and updates the
// header's shape in place. len(data) must be a multiple of the item size.
func (w *Writer) Append(data []byte) error {
	if len(data)%w.itemSize != 0 {
		return fmt.Errorf("append of %d bytes is not a multiple of the %d-byte item size",
			len(data), w.itemSize)
	}
	if _, err := w.file.Write(data); err != nil {
		return err
	}
	w.items += int64(len(data) / w.itemSize)

	if _, err := w.file.Seek(w.shapeOff, 0); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w.file, "%-*d", shapeDigits, w.items); err != nil {
		return err
	}
	_, err := w.file.Seek(0, 2)
	return err
}

// Items returns the number of items written so far.
func (w *Writer) Items() int64 {
	return w.items
}

// Name returns the underlying file's path.
func (w *Writer) Name() string {
	return w.file.Name()
}

// Close finishes the file.
func (w *Writer) Close() error {
	return w.file.Close()
}
