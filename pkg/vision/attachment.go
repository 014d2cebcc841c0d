package vision

import (
	"encoding/base64"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"strings"

	"github.com/soypete/pedrochat/pkg/llm"
)

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".webp": true,
	".bmp":  true,
	".gif":  true,
}

// IsImage reports whether a file path looks like a supported image.
func IsImage(path string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(path))]
}

// Attachment is an image ready to send with a completion request.
type Attachment struct {
	ID     int
	Data   string // base64
	Format string
	Width  int
	Height int
}

// Tag is the marker that references the image inside a prompt.
func (a Attachment) Tag() string {
	return fmt.Sprintf("[img-%d]", a.ID)
}

// ImageData converts the attachment to the completion payload.
func (a Attachment) ImageData() llm.ImageData {
	return llm.ImageData{Data: a.Data, ID: a.ID}
}

// Attach loads an image file and assigns it a random id in [0, 100].
func (p *ImageProcessor) Attach(path string) (Attachment, error) {
	img, err := p.Process(path)
	if err != nil {
		return Attachment{}, err
	}
	return Attachment{
		ID:     rand.IntN(101),
		Data:   base64.StdEncoding.EncodeToString(img.Data),
		Format: img.Format,
		Width:  img.Width,
		Height: img.Height,
	}, nil
}
