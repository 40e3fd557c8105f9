// Package storage is the object-storage collaborator for message images.
package storage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// MaxImageBytes caps a single message image.
const MaxImageBytes = 10 << 20

var (
	ErrNotImage = errors.New("upload is not an image")
	ErrTooLarge = errors.New("upload exceeds size limit")
)

// Uploader stores a blob under path and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, path string, r io.Reader) (string, error)
}

var imageExt = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// LocalUploader writes uploads under a directory served by the HTTP router at
// /uploads/{filename}.
type LocalUploader struct {
	dir     string
	baseURL string
}

func NewLocalUploader(dir, publicBaseURL string) (*LocalUploader, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating upload dir: %w", err)
	}
	return &LocalUploader{dir: dir, baseURL: strings.TrimRight(publicBaseURL, "/")}, nil
}

// Dir is the directory uploads are written to.
func (u *LocalUploader) Dir() string { return u.dir }

// Upload sniffs the content type, rejects non-images, and writes the blob
// atomically. The extension is derived from the sniffed type, not from name.
func (u *LocalUploader) Upload(ctx context.Context, name string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	br := bufio.NewReaderSize(r, 512)
	head, err := br.Peek(512)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return "", fmt.Errorf("read upload: %w", err)
	}
	ext, ok := imageExt[http.DetectContentType(head)]
	if !ok {
		return "", ErrNotImage
	}

	base := strings.TrimSuffix(path.Base(filepath.ToSlash(name)), path.Ext(name))
	if base == "" || base == "." || base == "/" {
		return "", fmt.Errorf("invalid upload name %q", name)
	}
	filename := base + ext

	tmp, err := os.CreateTemp(u.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("could not create file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, io.LimitReader(br, MaxImageBytes+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("could not save file: %w", err)
	}
	if n > MaxImageBytes {
		return "", ErrTooLarge
	}
	if err := os.Rename(tmp.Name(), filepath.Join(u.dir, filename)); err != nil {
		return "", fmt.Errorf("could not save file: %w", err)
	}
	return u.baseURL + "/uploads/" + url.PathEscape(filename), nil
}
