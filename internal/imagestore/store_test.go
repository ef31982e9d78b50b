package imagestore

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	pngData  = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	jpegData = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}
)

func TestSelect_AcceptsDeclaredImage(t *testing.T) {
	previews := NewPreviewRegistry()
	store := NewStore(previews)

	img, err := store.Select(Upload{Name: "photo.jpg", MIMEType: "image/jpeg", Data: jpegData})
	require.NoError(t, err)

	assert.Equal(t, "photo.jpg", img.Name)
	assert.Equal(t, "image/jpeg", img.MIMEType)
	assert.NotEmpty(t, img.Preview)
	assert.Same(t, img, store.Current())

	mimeType, data, ok := previews.Lookup(img.Preview)
	assert.True(t, ok)
	assert.Equal(t, "image/jpeg", mimeType)
	assert.Equal(t, jpegData, data)
}

func TestSelect_RejectsNonImages(t *testing.T) {
	tests := []struct {
		name   string
		upload Upload
	}{
		{"text file", Upload{Name: "notes.txt", MIMEType: "text/plain", Data: []byte("hello")}},
		{"pdf", Upload{Name: "doc.pdf", MIMEType: "application/pdf", Data: []byte("%PDF-1.4")}},
		{"sniffed text", Upload{Name: "blob", Data: []byte("just some text")}},
		{"octet-stream text", Upload{Name: "blob", MIMEType: "application/octet-stream", Data: []byte("plain")}},
		{"empty file", Upload{Name: "empty.png", MIMEType: "image/png"}},
		{"malformed type", Upload{Name: "x.png", MIMEType: "image/", Data: pngData}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			previews := NewPreviewRegistry()
			store := NewStore(previews)

			prev, err := store.Select(Upload{Name: "photo.png", MIMEType: "image/png", Data: pngData})
			require.NoError(t, err)

			_, err = store.Select(tt.upload)
			assert.True(t, errors.Is(err, ErrNotImage), "expected ErrNotImage, got %v", err)

			// Previous selection untouched, preview still live
			assert.Same(t, prev, store.Current())
			_, _, ok := previews.Lookup(prev.Preview)
			assert.True(t, ok)
			assert.Equal(t, 1, previews.Len())
		})
	}
}

func TestSelect_SniffsUndeclaredType(t *testing.T) {
	store := NewStore(NewPreviewRegistry())

	img, err := store.Select(Upload{Name: "photo", Data: pngData})
	require.NoError(t, err)
	assert.Equal(t, "image/png", img.MIMEType)
}

func TestSelect_StripsTypeParameters(t *testing.T) {
	mimeType, err := DetectMIMEType("image/png; name=photo.png", pngData)
	require.NoError(t, err)
	assert.Equal(t, "image/png", mimeType)
}

func TestSelect_ReplacementReleasesPreview(t *testing.T) {
	previews := NewPreviewRegistry()
	store := NewStore(previews)

	first, err := store.Select(Upload{Name: "a.png", MIMEType: "image/png", Data: pngData})
	require.NoError(t, err)
	second, err := store.Select(Upload{Name: "b.jpg", MIMEType: "image/jpeg", Data: jpegData})
	require.NoError(t, err)

	_, _, ok := previews.Lookup(first.Preview)
	assert.False(t, ok, "replaced preview should be released")
	_, _, ok = previews.Lookup(second.Preview)
	assert.True(t, ok)
	assert.Equal(t, 1, previews.Len())
	assert.Same(t, second, store.Current())
}

func TestClear_ReleasesPreview(t *testing.T) {
	previews := NewPreviewRegistry()
	store := NewStore(previews)

	img, err := store.Select(Upload{Name: "a.png", MIMEType: "image/png", Data: pngData})
	require.NoError(t, err)

	store.Clear()
	assert.Nil(t, store.Current())
	_, _, ok := previews.Lookup(img.Preview)
	assert.False(t, ok)
	assert.Equal(t, 0, previews.Len())

	// Clearing an empty store is harmless
	store.Clear()
	store.Close()
	assert.Nil(t, store.Current())
}

func TestReadUpload(t *testing.T) {
	data, err := ReadUpload(bytes.NewReader(pngData), 1024)
	require.NoError(t, err)
	assert.Equal(t, pngData, data)

	_, err = ReadUpload(strings.NewReader(strings.Repeat("x", 11)), 10)
	assert.True(t, errors.Is(err, ErrTooLarge))

	data, err = ReadUpload(strings.NewReader("exact"), 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("exact"), data)
}
