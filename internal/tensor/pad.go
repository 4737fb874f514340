package tensor

import "fmt"

// CeilToMultiple rounds n up to be a multiple of base.
func CeilToMultiple(n, base int) int {
	return (n + base - 1) / base * base
}

// AlignPad returns the number of padding columns that bring cols up to a
// whole number of lane groups.
func AlignPad(cols int) int {
	return CeilToMultiple(cols, VectorSize) - cols
}

// FetchesPerRow returns how many lane groups a row of cols elements spans.
func FetchesPerRow(cols int) int {
	return (cols + VectorSize - 1) / VectorSize
}

// ZeroPad copies a [img][chan][row][col] activation buffer into a new buffer
// with p zero rows and columns on every side. Rows of both buffers are
// padded to whole lane groups. It returns the padded buffer and its logical
// row and column counts.
func ZeroPad(src []float32, images, chans, rows, cols, p int) ([]float32, int, int, error) {
	if p < 0 {
		return nil, 0, 0, fmt.Errorf("tensor: negative padding %d", p)
	}

	in, err := NewView(src, images, chans, rows, cols+AlignPad(cols))
	if err != nil {
		return nil, 0, 0, err
	}

	outRows, outCols := rows+2*p, cols+2*p
	dst := make([]float32, images*chans*outRows*(outCols+AlignPad(outCols)))
	out, err := NewView(dst, images, chans, outRows, outCols+AlignPad(outCols))
	if err != nil {
		return nil, 0, 0, err
	}

	for img := 0; img < images; img++ {
		for ch := 0; ch < chans; ch++ {
			for r := 0; r < rows; r++ {
				copy(out.Row(img, ch, r+p)[p:p+cols], in.Row(img, ch, r)[:cols])
			}
		}
	}

	return dst, outRows, outCols, nil
}
