package parser

import (
	"io"
	"os"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// newTextReader strips a leading byte order mark (decoding UTF-16 when the
// mark says so) and replaces invalid UTF-8 with U+FFFD.
func newTextReader(r io.Reader) io.Reader {
	return transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
}

// readText reads a whole file through newTextReader.
func readText(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	data, err := io.ReadAll(newTextReader(f))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
