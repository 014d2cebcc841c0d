package vision

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"
)

func solid(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	return img
}

func writeFile(t *testing.T, name string, encode func(*bytes.Buffer) error) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, encode(&buf))
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestProcess_Downscales(t *testing.T) {
	path := writeFile(t, "wide.png", func(b *bytes.Buffer) error { return png.Encode(b, solid(2048, 512)) })

	out, err := NewImageProcessor(nil).Process(path)
	require.NoError(t, err)
	assert.True(t, out.Resized)
	assert.Equal(t, 1024, out.Width)
	assert.Equal(t, 256, out.Height)
	assert.Equal(t, 2048, out.OriginalWidth)
	assert.Equal(t, "png", out.Format)
}

func TestProcess_KeepsSmallImages(t *testing.T) {
	path := writeFile(t, "small.jpg", func(b *bytes.Buffer) error {
		return jpeg.Encode(b, solid(64, 32), &jpeg.Options{Quality: 90})
	})

	out, err := NewImageProcessor(nil).Process(path)
	require.NoError(t, err)
	assert.False(t, out.Resized)
	assert.Equal(t, 64, out.Width)
	assert.Equal(t, "jpeg", out.Format)
}

func TestProcess_BMPBecomesPNG(t *testing.T) {
	path := writeFile(t, "pic.bmp", func(b *bytes.Buffer) error { return bmp.Encode(b, solid(10, 10)) })

	out, err := NewImageProcessor(nil).Process(path)
	require.NoError(t, err)
	assert.Equal(t, "png", out.Format)

	_, format, err := image.Decode(bytes.NewReader(out.Data))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
}

func TestProcess_Errors(t *testing.T) {
	_, err := NewImageProcessor(nil).Process(filepath.Join(t.TempDir(), "missing.png"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "junk.png")
	require.NoError(t, os.WriteFile(path, []byte("not an image"), 0o644))
	_, err = NewImageProcessor(nil).Process(path)
	assert.Error(t, err)
}

func TestAttach(t *testing.T) {
	path := writeFile(t, "cat.png", func(b *bytes.Buffer) error { return png.Encode(b, solid(8, 8)) })

	a, err := NewImageProcessor(nil).Attach(path)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, a.ID, 0)
	assert.LessOrEqual(t, a.ID, 100)

	raw, err := base64.StdEncoding.DecodeString(a.Data)
	require.NoError(t, err)
	_, _, err = image.Decode(bytes.NewReader(raw))
	assert.NoError(t, err)

	assert.Equal(t, a.ID, a.ImageData().ID)
	assert.Equal(t, fmt.Sprintf("[img-%d]", a.ID), a.Tag())
}

func TestIsImage(t *testing.T) {
	for path, want := range map[string]bool{
		"a.png":        true,
		"b.JPG":        true,
		"c.jpeg":       true,
		"d.webp":       true,
		"paper.pdf":    false,
		"notes.txt":    false,
		"no-extension": false,
	} {
		assert.Equal(t, want, IsImage(path), path)
	}
}
