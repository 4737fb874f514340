package tensor

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// ReadFloat32s reads n little-endian float32 values from r.
func ReadFloat32s(r io.Reader, n int) ([]float32, error) {
	out := make([]float32, n)
	if err := binary.Read(r, binary.LittleEndian, out); err != nil {
		return nil, fmt.Errorf("failed to read %d floats: %w", n, err)
	}
	return out, nil
}

// WriteFloat32s writes data to w as little-endian float32 values.
func WriteFloat32s(w io.Writer, data []float32) error {
	return binary.Write(w, binary.LittleEndian, data)
}

// ReadFile loads a raw little-endian float32 buffer. The file size must be a
// multiple of four bytes.
func ReadFile(path string) ([]float32, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if st.Size()%4 != 0 {
		return nil, fmt.Errorf("%s: size %d is not a multiple of 4", path, st.Size())
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ReadFloat32s(bufio.NewReader(f), int(st.Size()/4))
}

// WriteFile stores data as a raw little-endian float32 buffer.
func WriteFile(path string, data []float32) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(f)
	if err := WriteFloat32s(w, data); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
