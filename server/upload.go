package server

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/teranos/vetta/errors"
	"github.com/teranos/vetta/logger"
	_ "golang.org/x/image/webp"
)

const (
	imageField = "image"
	batchField = "file"

	// multipartSlack covers boundaries and part headers on top of the file limit
	multipartSlack = 64 << 10
)

// videoTypes backs up the system MIME table, which often lacks video types
var videoTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".webm": "video/webm",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
}

// HandleCheck runs the pipeline on one uploaded image.
// The whole request sees a single registry snapshot.
func (s *Server) HandleCheck(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context(), s.logger)

	data, _, err := readUpload(w, r, imageField, s.opts.MaxImageBytes)
	if err != nil {
		writeWrappedError(w, log, err, "invalid upload", http.StatusBadRequest)
		return
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
		writeWrappedError(w, log, errors.Mark(err, errors.ErrInvalidPayload), "image could not be decoded", http.StatusBadRequest)
		return
	}
	if s.deps.Pipeline == nil {
		writeError(w, http.StatusServiceUnavailable, "pipeline not configured")
		return
	}

	snap := s.deps.Registry.Snapshot()
	results := s.deps.Pipeline.Process(r.Context(), data, snap)

	log.Infow("Image checked",
		logger.FieldSize, len(data),
		logger.FieldVersion, snap.Version(),
		"stages", len(results),
	)
	writeJSON(w, http.StatusOK, results)
}

// HandleBatch scores an uploaded gif or video
func (s *Server) HandleBatch(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context(), s.logger)

	data, header, err := readUpload(w, r, batchField, s.opts.MaxBatchBytes)
	if err != nil {
		writeWrappedError(w, log, err, "invalid upload", http.StatusBadRequest)
		return
	}
	if s.deps.Scanner == nil {
		writeError(w, http.StatusServiceUnavailable, "batch scanner not configured")
		return
	}

	mimeType := uploadMimeType(header)
	verdict, err := s.deps.Scanner.Scan(r.Context(), data, mimeType)
	if err != nil {
		writeWrappedError(w, log, err, "batch scan failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, verdict)
}

// readUpload reads one multipart file field, enforcing limit on its size.
// Oversized uploads are marked ErrPayloadTooLarge, missing or malformed
// ones ErrInvalidPayload.
func readUpload(w http.ResponseWriter, r *http.Request, field string, limit int64) ([]byte, *multipart.FileHeader, error) {
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartSlack)

	file, header, err := r.FormFile(field)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, nil, errors.Wrapf(errors.ErrPayloadTooLarge, "upload exceeds %d bytes", limit)
		}
		if errors.Is(err, http.ErrMissingFile) {
			return nil, nil, errors.Wrapf(errors.ErrInvalidPayload, "missing %q file field", field)
		}
		return nil, nil, errors.Mark(errors.Wrap(err, "failed to parse multipart form"), errors.ErrInvalidPayload)
	}
	defer file.Close()

	if header.Size > limit {
		return nil, nil, errors.Wrapf(errors.ErrPayloadTooLarge, "upload exceeds %d bytes", limit)
	}

	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		return nil, nil, errors.Mark(errors.Wrap(err, "failed to read upload"), errors.ErrInvalidPayload)
	}
	if int64(len(data)) > limit {
		return nil, nil, errors.Wrapf(errors.ErrPayloadTooLarge, "upload exceeds %d bytes", limit)
	}
	if len(data) == 0 {
		return nil, nil, errors.Wrap(errors.ErrInvalidPayload, "empty upload")
	}
	return data, header, nil
}

// uploadMimeType prefers the part's declared content type and falls back
// to guessing from the filename
func uploadMimeType(header *multipart.FileHeader) string {
	declared := header.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(declared); err == nil && mediaType != "application/octet-stream" {
		return mediaType
	}
	ext := strings.ToLower(filepath.Ext(header.Filename))
	if guessed := mime.TypeByExtension(ext); guessed != "" {
		if mediaType, _, err := mime.ParseMediaType(guessed); err == nil {
			return mediaType
		}
	}
	if video, ok := videoTypes[ext]; ok {
		return video
	}
	return "application/octet-stream"
}
