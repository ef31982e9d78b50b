package imagestore

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
)

// DefaultMaxImageSize is the default maximum upload size (10MB)
const DefaultMaxImageSize = 10 * 1024 * 1024

var (
	// ErrNotImage is returned when a selected file is not an image.
	ErrNotImage = errors.New("file is not an image")
	// ErrTooLarge is returned when an upload exceeds the size limit.
	ErrTooLarge = errors.New("image too large")
)

// Upload is a file handed over by the file picker or a drop.
type Upload struct {
	Name     string
	MIMEType string // Declared by the browser, may be empty
	Data     []byte
}

// SelectedImage is the image currently held by a Store.
type SelectedImage struct {
	Name     string
	MIMEType string
	Data     []byte
	Preview  string // Preview reference, valid until the image is replaced or cleared
}

// Store holds at most one selected image.
type Store struct {
	mu       sync.Mutex
	previews *PreviewRegistry
	current  *SelectedImage
}

// NewStore creates an empty store that allocates previews from the given registry.
func NewStore(previews *PreviewRegistry) *Store {
	return &Store{previews: previews}
}

// Select validates the upload and replaces the current selection with it.
// A rejected upload leaves the current selection untouched.
func (s *Store) Select(u Upload) (*SelectedImage, error) {
	mimeType, err := DetectMIMEType(u.MIMEType, u.Data)
	if err != nil {
		return nil, err
	}

	img := &SelectedImage{
		Name:     u.Name,
		MIMEType: mimeType,
		Data:     u.Data,
		Preview:  s.previews.Acquire(mimeType, u.Data),
	}

	s.mu.Lock()
	prev := s.current
	s.current = img
	s.mu.Unlock()

	if prev != nil {
		s.previews.Release(prev.Preview)
	}

	log.Debug().
		Str("name", img.Name).
		Str("mimeType", img.MIMEType).
		Int("size", len(img.Data)).
		Str("preview", img.Preview).
		Msg("image selected")

	return img, nil
}

// Current returns the selected image, or nil when nothing is selected.
func (s *Store) Current() *SelectedImage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Clear drops the selection and releases its preview.
func (s *Store) Clear() {
	s.mu.Lock()
	prev := s.current
	s.current = nil
	s.mu.Unlock()

	if prev != nil {
		s.previews.Release(prev.Preview)
	}
}

// Close releases everything the store holds. The store stays usable.
func (s *Store) Close() {
	s.Clear()
}

// DetectMIMEType resolves the image MIME type of an upload. The declared type
// wins when it names an image; a missing or generic declared type falls back
// to sniffing the content.
func DetectMIMEType(declared string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty file", ErrNotImage)
	}

	declared = strings.TrimSpace(declared)
	if declared != "" && declared != "application/octet-stream" {
		mediaType, _, err := mime.ParseMediaType(declared)
		if err != nil {
			return "", fmt.Errorf("%w: invalid content type %q", ErrNotImage, declared)
		}
		if !strings.HasPrefix(mediaType, "image/") {
			return "", fmt.Errorf("%w: got %s", ErrNotImage, mediaType)
		}
		return mediaType, nil
	}

	detected := mimetype.Detect(data)
	mediaType, _, err := mime.ParseMediaType(detected.String())
	if err != nil || !strings.HasPrefix(mediaType, "image/") {
		return "", fmt.Errorf("%w: detected %s", ErrNotImage, detected.String())
	}
	return mediaType, nil
}

// ReadUpload reads upload data, enforcing the size limit even if the reported
// size is missing or wrong.
func ReadUpload(r io.Reader, maxSize int64) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxImageSize
	}

	limitedReader := io.LimitReader(r, maxSize+1)
	data, err := io.ReadAll(limitedReader)
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %w", err)
	}

	if int64(len(data)) > maxSize {
		return nil, fmt.Errorf("%w: exceeds limit of %d bytes", ErrTooLarge, maxSize)
	}

	return data, nil
}
