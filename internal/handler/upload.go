package handler

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	appI18n "github.com/pavelanni/photograder/internal/i18n"
	"github.com/pavelanni/photograder/internal/model"
)

const (
	uploadField    = "images"
	maxUploadFiles = 32
	multipartMem   = 32 << 20
)

var errFileTooLarge = errors.New("file too large")

type uploadResponse struct {
	Added   int         `json:"added"`
	Message string      `json:"message"`
	Session sessionView `json:"session"`
}

// handleAddImages reads the multipart "images" field and hands the decoded
// images to add.
func (h *Handler) handleAddImages(add func(...model.Image) (int, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxImageBytes*maxUploadFiles)
		if err := r.ParseMultipartForm(multipartMem); err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				writeMessage(w, r, http.StatusRequestEntityTooLarge, codeUploadTooLarge)
				return
			}
			writeMessage(w, r, http.StatusBadRequest, codeInvalidUpload)
			return
		}
		defer r.MultipartForm.RemoveAll()

		files := r.MultipartForm.File[uploadField]
		if len(files) == 0 {
			writeMessage(w, r, http.StatusBadRequest, codeInvalidUpload)
			return
		}

		imgs := make([]model.Image, 0, len(files))
		for _, fh := range files {
			img, err := h.readImage(fh)
			switch {
			case errors.Is(err, errFileTooLarge):
				writeMessage(w, r, http.StatusRequestEntityTooLarge, codeUploadTooLarge)
				return
			case errors.Is(err, model.ErrNotImage):
				writeMessage(w, r, http.StatusUnsupportedMediaType, codeNotAnImage)
				return
			case err != nil:
				writeMessage(w, r, http.StatusBadRequest, codeInvalidUpload)
				return
			}
			imgs = append(imgs, img)
		}

		added, err := add(imgs...)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, uploadResponse{
			Added:   added,
			Message: appI18n.Tp(r.Context(), "ImagesAdded", added),
			Session: h.view(r.Context()),
		})
	}
}

func (h *Handler) readImage(fh *multipart.FileHeader) (model.Image, error) {
	if h.config.MaxImageBytes > 0 && fh.Size > h.config.MaxImageBytes {
		return model.Image{}, fmt.Errorf("%s: %w", fh.Filename, errFileTooLarge)
	}
	f, err := fh.Open()
	if err != nil {
		return model.Image{}, fmt.Errorf("open %s: %w", fh.Filename, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return model.Image{}, fmt.Errorf("read %s: %w", fh.Filename, err)
	}
	return model.NewImage(fh.Filename, data)
}
