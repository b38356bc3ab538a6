package media

import (
	"bufio"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// verifyImage fully decodes the file; a truncated download fails here even
// when the header is intact.
func verifyImage(path string) (format string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	_, format, err = image.Decode(bufio.NewReader(f))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptImage, err)
	}
	return format, nil
}

// extensionFor picks the committed extension. Formats outside the cache's
// lookup set are stored as jpg so Lookup can still find them by stat.
func extensionFor(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return "jpg"
	}
	defer f.Close()

	head := make([]byte, 3072)
	n, _ := io.ReadFull(f, head)
	switch mimetype.Detect(head[:n]).String() {
	case "image/png":
		return "png"
	case "image/gif":
		return "gif"
	default:
		return "jpg"
	}
}
