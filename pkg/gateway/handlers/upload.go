package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path"
	"strings"

	"github.com/vango-go/intake-relay/pkg/gateway/apierror"
	"github.com/vango-go/intake-relay/pkg/intake/media"
)

// multipartMemory is how much of a form is buffered before spilling to disk.
const multipartMemory = 8 << 20

// multipartOverhead covers boundaries and part headers on top of the file cap.
const multipartOverhead = 64 << 10

type upload struct {
	file        multipart.File
	filename    string
	contentType string
	size        int64
}

// readUpload pulls the "file" part out of a multipart request and applies
// the upload gate.
func readUpload(w http.ResponseWriter, r *http.Request, maxBytes int64) (*upload, error) {
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes+multipartOverhead)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, media.TooLarge(maxBytes)
		}
		return nil, &media.UploadError{Message: media.MsgNoFile}
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, media.CheckUpload(false, "", 0, maxBytes)
	}
	contentType := strings.TrimSpace(header.Header.Get("Content-Type"))
	if err := media.CheckUpload(true, contentType, header.Size, maxBytes); err != nil {
		file.Close()
		return nil, err
	}
	return &upload{
		file:        file,
		filename:    path.Base(strings.ReplaceAll(header.Filename, "\\", "/")),
		contentType: contentType,
		size:        header.Size,
	}, nil
}

// UploadHandler stores a standalone document and returns where it landed.
type UploadHandler struct {
	Media             media.Storage
	Logger            *slog.Logger
	UploadMaxBytes    int64
	TrustProxyHeaders bool
}

type uploadResponse struct {
	Success     bool   `json:"success"`
	Filename    string `json:"filename"`
	Path        string `json:"path"`
	URL         string `json:"url"`
	AbsoluteURL string `json:"absolute_url"`
}

func (h UploadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	up, err := readUpload(w, r, h.UploadMaxBytes)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer up.file.Close()

	obj, err := h.Media.Save(r.Context(), media.UploadKey(up.filename), up.contentType, up.file, up.size)
	if err != nil {
		h.fail(w, r, fmt.Errorf("save upload: %w", err))
		return
	}
	if h.Logger != nil {
		h.Logger.Info("file uploaded", "key", obj.Key, "size", obj.Size, "request_id", requestIDFromContext(r.Context()))
	}

	apierror.WriteJSON(w, http.StatusOK, uploadResponse{
		Success:     true,
		Filename:    path.Base(obj.Key),
		Path:        obj.Key,
		URL:         obj.URL,
		AbsoluteURL: absoluteURL(r, obj.URL, h.TrustProxyHeaders),
	})
}

// fail reports upload errors under the "error" key.
func (h UploadHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	reqID := requestIDFromContext(r.Context())
	var uerr *media.UploadError
	if errors.As(err, &uerr) {
		apierror.Write(w, http.StatusBadRequest, &apierror.Envelope{Error: uerr.Message, RequestID: reqID})
		return
	}
	if h.Logger != nil {
		h.Logger.Error("upload failed", "request_id", reqID, "error", err)
	}
	apierror.Write(w, http.StatusInternalServerError, &apierror.Envelope{Error: "Upload failed", RequestID: reqID})
}

func absoluteURL(r *http.Request, u string, trustProxyHeaders bool) string {
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if trustProxyHeaders {
		if proto := strings.ToLower(strings.TrimSpace(r.Header.Get("X-Forwarded-Proto"))); proto == "http" || proto == "https" {
			scheme = proto
		}
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return scheme + "://" + r.Host + u
}
