package llm

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

// Image is an encoded picture handed to a Captioner.
type Image struct {
	Name      string
	MediaType string
	Data      []byte
}

// NewImage decodes the header of data to verify it is a readable image and
// to determine its media type.
func NewImage(name string, data []byte) (*Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("image %s: empty file", name)
	}
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("image %s: %w", name, err)
	}
	return &Image{Name: name, MediaType: "image/" + format, Data: data}, nil
}

// Base64 returns the standard base64 encoding of the image bytes.
func (i *Image) Base64() string {
	return base64.StdEncoding.EncodeToString(i.Data)
}

// DataURI returns the image as a data: URI.
func (i *Image) DataURI() string {
	return "data:" + i.MediaType + ";base64," + i.Base64()
}
