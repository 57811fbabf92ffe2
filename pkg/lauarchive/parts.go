package lauarchive

import (
	"io"
	"os"
	"sort"
)

// byte-level concatenation of split archive parts, as one io.ReaderAt
type multiReaderAt struct {
	parts   []*os.File
	offsets []int64 // start offset of each part
	size    int64
}

func openParts(paths []string) (io.ReaderAt, int64, func(), error) {
	m := &multiReaderAt{}

	closeAll := func() {
		for _, part := range m.parts {
			part.Close()
		}
	}

	for _, path := range paths {
		file, err := os.Open(path)
		if err != nil {
			closeAll()
			return nil, 0, nil, err
		}
		m.parts = append(m.parts, file)

		info, err := file.Stat()
		if err != nil {
			closeAll()
			return nil, 0, nil, err
		}

		m.offsets = append(m.offsets, m.size)
		m.size += info.Size()
	}

	return m, m.size, closeAll, nil
}

func (m *multiReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, io.EOF
	}

	// last part that starts at or before off
	idx := sort.Search(len(m.offsets), func(i int) bool { return m.offsets[i] > off }) - 1

	read := 0
	for read < len(p) && idx < len(m.parts) {
		n, err := m.parts[idx].ReadAt(p[read:], off+int64(read)-m.offsets[idx])
		read += n

		if err == io.EOF {
			idx++
			continue
		}
		if err != nil {
			return read, err
		}
	}

	if read < len(p) {
		return read, io.EOF
	}

	return read, nil
}
