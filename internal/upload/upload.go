// Package upload stores finished recordings in an object store and returns durable URLs.
package upload

import (
	"context"
	"errors"
	"strings"

	"talkready/internal/capture"
)

var (
	ErrUploadFailed    = errors.New("upload failed")
	ErrInvalidResponse = errors.New("invalid upload response")
	ErrEmptyBlob       = errors.New("empty audio blob")
)

// Uploader transmits a blob and returns a durable URL. Implementations never retry.
type Uploader interface {
	Upload(ctx context.Context, blob capture.Blob) (string, error)
}

// extensionFor maps an audio MIME type to a file extension.
func extensionFor(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	switch mime {
	case "audio/webm":
		return "webm"
	case "audio/ogg", "audio/opus":
		return "ogg"
	case "audio/mpeg", "audio/mp3":
		return "mp3"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return "m4a"
	case "audio/flac":
		return "flac"
	default:
		return "wav"
	}
}
