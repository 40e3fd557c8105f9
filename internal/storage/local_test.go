package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 1x1 transparent PNG.
var pngPixel = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0a, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

func TestLocalUploaderStoresImages(t *testing.T) {
	dir := t.TempDir()
	u, err := NewLocalUploader(dir, "https://plants.example/")
	require.NoError(t, err)

	url, err := u.Upload(context.Background(), "conv-1/msg-1.jpeg", bytes.NewReader(pngPixel))
	require.NoError(t, err)
	assert.Equal(t, "https://plants.example/uploads/msg-1.png", url)

	stored, err := os.ReadFile(filepath.Join(dir, "msg-1.png"))
	require.NoError(t, err)
	assert.Equal(t, pngPixel, stored)
}

func TestLocalUploaderRejectsNonImages(t *testing.T) {
	u, err := NewLocalUploader(t.TempDir(), "")
	require.NoError(t, err)

	_, err = u.Upload(context.Background(), "x", strings.NewReader("#!/bin/sh\necho hi\n"))
	assert.ErrorIs(t, err, ErrNotImage)
}

func TestLocalUploaderRejectsOversizedUploads(t *testing.T) {
	dir := t.TempDir()
	u, err := NewLocalUploader(dir, "")
	require.NoError(t, err)

	big := append(append([]byte{}, pngPixel...), make([]byte, MaxImageBytes)...)
	_, err = u.Upload(context.Background(), "big", bytes.NewReader(big))
	assert.ErrorIs(t, err, ErrTooLarge)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
