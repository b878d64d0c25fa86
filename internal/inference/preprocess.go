package inference

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"strings"

	"golang.org/x/image/draw"
)

// Tensor is a dense float32 CHW image tensor.
type Tensor struct {
	Channels int
	Height   int
	Width    int
	Data     []float32
}

// LoadImage decodes a JPEG or PNG from a file path or a base64 data: URI.
func LoadImage(ref string) (image.Image, error) {
	var raw []byte
	if strings.HasPrefix(ref, "data:") {
		comma := strings.IndexByte(ref, ',')
		if comma < 0 || !strings.Contains(ref[:comma], ";base64") {
			return nil, fmt.Errorf("%w: unsupported data uri", ErrPreprocess)
		}
		b, err := base64.StdEncoding.DecodeString(ref[comma+1:])
		if err != nil {
			return nil, fmt.Errorf("%w: failed to decode data uri: %v", ErrPreprocess, err)
		}
		raw = b
	} else {
		b, err := os.ReadFile(strings.TrimPrefix(ref, "file://"))
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read image: %v", ErrPreprocess, err)
		}
		raw = b
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode image: %v", ErrPreprocess, err)
	}
	return img, nil
}

// ToTensor resizes img to the transform size and normalises it into CHW layout.
func ToTensor(img image.Image, t Transform) (*Tensor, error) {
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrPreprocess)
	}
	size := t.Size
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)

	plane := size * size
	data := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		row := dst.Pix[y*dst.Stride:]
		for x := 0; x < size; x++ {
			px := row[x*4:]
			i := y*size + x
			for c := 0; c < 3; c++ {
				v := float32(px[c]) / 255
				data[c*plane+i] = (v - t.Mean[c]) / t.Std[c]
			}
		}
	}
	return &Tensor{Channels: 3, Height: size, Width: size, Data: data}, nil
}
