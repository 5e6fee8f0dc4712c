package ocr

import (
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrEmptyImage is returned for an image payload with no bytes.
var ErrEmptyImage = errors.New("empty image")

var reDataURLPrefix = regexp.MustCompile(`^data:image/\w+;base64,`)

// DecodeImage turns a base64 image, optionally carrying a data URL prefix
// such as "data:image/png;base64,", into raw bytes.
func DecodeImage(s string) ([]byte, error) {
	payload := strings.TrimSpace(reDataURLPrefix.ReplaceAllString(s, ""))
	if payload == "" {
		return nil, ErrEmptyImage
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		// Browsers and some SDKs drop the padding
		raw, rawErr := base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if rawErr != nil {
			return nil, fmt.Errorf("invalid base64 image: %w", err)
		}
		data = raw
	}
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}
	return data, nil
}
