// Package media stores uploaded intake documents and resolves their public
// URLs.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Object struct {
	Key  string
	Size int64
	URL  string
}

type Storage interface {
	Save(ctx context.Context, key, contentType string, r io.Reader, size int64) (Object, error)
	URL(key string) string
}

var ErrInvalidKey = errors.New("invalid object key")

var allowedContentTypes = map[string]struct{}{
	"image/png":          {},
	"image/jpeg":         {},
	"image/jpg":          {},
	"image/webp":         {},
	"image/gif":          {},
	"application/pdf":    {},
	"application/msword": {},
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": {},
	"text/plain":      {},
	"application/rtf": {},
}

const (
	MsgNoFile          = "No file provided"
	MsgUnsupportedType = "Unsupported file type"
)

// UploadError is a user-facing rejection of an uploaded file.
type UploadError struct {
	Message string
}

func (e *UploadError) Error() string { return e.Message }

// CheckUpload gates an upload on presence, content type and size.
func CheckUpload(present bool, contentType string, size, maxBytes int64) error {
	if !present {
		return &UploadError{Message: MsgNoFile}
	}
	if !AllowedContentType(contentType) {
		return &UploadError{Message: MsgUnsupportedType}
	}
	if maxBytes > 0 && size > maxBytes {
		return TooLarge(maxBytes)
	}
	return nil
}

// TooLarge is the rejection for a body that exceeded maxBytes before its
// size was known.
func TooLarge(maxBytes int64) *UploadError {
	return &UploadError{Message: fmt.Sprintf("File too large (max %dMB)", maxBytes/(1024*1024))}
}

func AllowedContentType(contentType string) bool {
	_, ok := allowedContentTypes[contentType]
	return ok
}

// UploadKey names a standalone upload: uploads/<hex><ext>.
func UploadKey(filename string) string {
	return "uploads/" + randomName(filename)
}

// AttachmentKey names an appointment attachment under a date prefix.
func AttachmentKey(filename string, now time.Time) string {
	return "attachments/" + now.UTC().Format("2006/01/02") + "/" + randomName(filename)
}

func randomName(filename string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return id + strings.ToLower(filepath.Ext(filename))
}

// cleanKey rejects keys that could escape the storage root.
func cleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", ErrInvalidKey
	}
	cleaned := path.Clean(key)
	if cleaned != key || cleaned == "." || strings.HasPrefix(cleaned, "../") || cleaned == ".." {
		return "", ErrInvalidKey
	}
	return cleaned, nil
}

func joinURL(base, key string) string {
	if base == "" {
		return key
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + key
}
