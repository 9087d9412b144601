package debug

import (
	"bytes"
	"fmt"
	"io"
)

// PrintBlock writes a hex listing of a raw block to w, eliding runs of
// all-zero lines.
func PrintBlock(w io.Writer, blocknum int, data []byte) {
	buf := bytes.NewBuffer(nil)
	fmt.Fprintf(buf, "block %d (%d bytes)\n", blocknum, len(data))

	zero := make([]byte, 16)
	skipping := false
	for off := 0; off < len(data); off += 16 {
		end := off + 16
		if end > len(data) {
			end = len(data)
		}
		line := data[off:end]
		if bytes.Equal(line, zero[:len(line)]) {
			if !skipping {
				fmt.Fprintf(buf, "*\n")
				skipping = true
			}
			continue
		}
		skipping = false
		fmt.Fprintf(buf, "%08x  % x\n", off, line)
	}
	io.Copy(w, buf)
}
