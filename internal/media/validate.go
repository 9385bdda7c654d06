package media

import (
	"errors"
	"net/http"
	"path/filepath"
	"strings"
)

// MaxUploadBytes caps a single stored media file.
const MaxUploadBytes = 50 << 20

var (
	ErrUnsupportedType = errors.New("unsupported media type: use JPG, PNG, GIF, WEBP, MP4 or WEBM")
	ErrScriptable      = errors.New("html, svg and xml content is not allowed")
	ErrTooLarge        = errors.New("media file exceeds 50 MB")
	ErrEmpty           = errors.New("media file is empty")
)

var allowedExt = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".mp4":  "video/mp4",
	".webm": "video/webm",
}

var allowedMime = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
	"video/mp4":  true,
	"video/webm": true,
}

// ValidateBySniff checks filename's extension and the first bytes of the
// file against the allowed media types and returns the content type to store.
func ValidateBySniff(filename string, head []byte) (string, error) {
	if len(head) == 0 {
		return "", ErrEmpty
	}
	ext := strings.ToLower(filepath.Ext(filename))
	byExt, ok := allowedExt[ext]
	if !ok {
		return "", ErrUnsupportedType
	}

	detected := http.DetectContentType(head)
	if i := strings.IndexByte(detected, ';'); i >= 0 {
		detected = detected[:i]
	}

	switch {
	case strings.HasPrefix(detected, "text/html"),
		strings.HasPrefix(detected, "application/xhtml"),
		strings.HasPrefix(detected, "text/xml"),
		strings.HasPrefix(detected, "application/xml"),
		detected == "image/svg+xml":
		return "", ErrScriptable
	case allowedMime[detected]:
		return detected, nil
	case detected == "application/octet-stream":
		// some mp4 brands are not recognized by the sniffer
		return byExt, nil
	}
	return "", ErrUnsupportedType
}
