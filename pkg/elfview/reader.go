package elfview

import "bytes"

// newReaderAt adapts a byte slice to io.ReaderAt without pulling in an extra
// dependency; debug/elf only needs ReadAt.
func newReaderAt(data []byte) *bytes.Reader {
	return bytes.NewReader(data)
}
