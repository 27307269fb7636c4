package display

import (
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

const (
	escapeStart = "\x1b_G"
	escapeEnd   = "\x1b\\"
	chunkSize   = 4096
)

// KittyEncoder writes PNG data as kitty graphics escapes. Payloads larger
// than one chunk are split with the m=1/m=0 continuation flags.
type KittyEncoder struct {
	out io.Writer
	// Columns scales the preview to that many terminal cells wide. Zero
	// keeps the image's own size.
	Columns int
}

func NewKittyEncoder(out io.Writer) *KittyEncoder {
	return &KittyEncoder{out: out}
}

func (e *KittyEncoder) Encode(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	chunks := splitIntoChunks(base64.StdEncoding.EncodeToString(data), chunkSize)
	for i, chunk := range chunks {
		if _, err := fmt.Fprintf(e.out, "%s%s;%s%s", escapeStart, e.params(i, len(chunks)), chunk, escapeEnd); err != nil {
			return err
		}
	}
	return nil
}

func (e *KittyEncoder) params(i, n int) string {
	if i > 0 {
		if i == n-1 {
			return "m=0"
		}
		return "m=1"
	}
	keys := []string{"a=T", "f=100", "q=2"}
	if e.Columns > 0 {
		keys = append(keys, fmt.Sprintf("c=%d", e.Columns))
	}
	if n > 1 {
		keys = append(keys, "m=1")
	}
	return strings.Join(keys, ",")
}

func splitIntoChunks(s string, size int) []string {
	var chunks []string
	for len(s) > 0 {
		n := min(size, len(s))
		chunks = append(chunks, s[:n])
		s = s[n:]
	}
	return chunks
}
