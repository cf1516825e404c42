// Package media keeps uploaded images on local disk and serves them back.
// Clients upload images inline as base64 data URLs; stored images are
// referenced by their /media/<name> path.
package media

import (
	"bytes"
	"encoding/base64"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"duochat/internal/apperr"
)

const (
	URLPrefix    = "/media/"
	MaxImageSize = 5 << 20
)

var extensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrap(err, "media.NewStore.MkdirAll")
	}
	return &Store{dir: dir}, nil
}

// Resolve turns a client-supplied image into a stored reference. A data URL
// is decoded and written to disk. A reference to an already stored image is
// passed through. Empty input yields an empty reference.
func (s *Store) Resolve(image string) (string, error) {
	image = strings.TrimSpace(image)
	switch {
	case image == "":
		return "", nil
	case strings.HasPrefix(image, "data:"):
		return s.SaveDataURL(image)
	case s.IsStored(image):
		return image, nil
	default:
		return "", apperr.Validation("Image must be a data URL")
	}
}

// IsStored reports whether ref names a file this store wrote.
func (s *Store) IsStored(ref string) bool {
	if !strings.HasPrefix(ref, URLPrefix) {
		return false
	}
	name := strings.TrimPrefix(ref, URLPrefix)
	if name == "" || name != path.Base(name) || strings.HasPrefix(name, ".") {
		return false
	}
	_, err := os.Stat(filepath.Join(s.dir, name))
	return err == nil
}

func (s *Store) SaveDataURL(dataURL string) (string, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(dataURL, "data:"), ",")
	if !ok {
		return "", apperr.Validation("Malformed image data")
	}
	mimeType, isBase64 := strings.CutSuffix(header, ";base64")
	if !isBase64 {
		return "", apperr.Validation("Image data must be base64 encoded")
	}
	ext, ok := extensions[strings.ToLower(mimeType)]
	if !ok {
		return "", apperr.Validation("Unsupported image type")
	}
	if base64.StdEncoding.DecodedLen(len(payload)) > MaxImageSize+3 {
		return "", apperr.Validation("Image is too large")
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", apperr.Validation("Malformed image data")
	}
	if len(data) > MaxImageSize {
		return "", apperr.Validation("Image is too large")
	}
	if sniffed := http.DetectContentType(data); sniffed != strings.ToLower(mimeType) {
		return "", apperr.Validation("Image content does not match its type")
	}

	name := uuid.New().String() + ext
	if err := writeFileAtomic(filepath.Join(s.dir, name), data); err != nil {
		return "", apperr.Wrap(apperr.CodeInternal, "Failed to store image", err)
	}
	return URLPrefix + name, nil
}

func writeFileAtomic(dst string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return errors.Wrap(err, "media.writeFileAtomic.CreateTemp")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.ReadFrom(bytes.NewReader(data)); err != nil {
		tmp.Close()
		return errors.Wrap(err, "media.writeFileAtomic.Write")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "media.writeFileAtomic.Close")
	}
	return errors.Wrap(os.Rename(tmp.Name(), dst), "media.writeFileAtomic.Rename")
}

// Handler serves stored images under URLPrefix without directory listings.
func (s *Store) Handler() http.Handler {
	files := http.StripPrefix(URLPrefix, http.FileServer(http.Dir(s.dir)))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, URLPrefix)
		if name == "" || strings.Contains(name, "/") || strings.HasPrefix(name, ".") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Cache-Control", "private, max-age=86400, immutable")
		files.ServeHTTP(w, r)
	})
}
