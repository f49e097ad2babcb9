// Package apk opens and identifies the package archives referenced by
// install sessions.
package apk

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
)

// MIMEType is the media type of an Android package archive.
const MIMEType = "application/vnd.android.package-archive"

var (
	// ErrUnsupportedURI is returned for URIs that do not name a local file.
	ErrUnsupportedURI = errors.New("unsupported apk uri")

	// ErrNotAPK is returned when an archive's content is not a package.
	ErrNotAPK = errors.New("content is not an android package")
)

// Source opens the archive behind a session URI. size is -1 when unknown.
type Source interface {
	Open(ctx context.Context, uri string) (rc io.ReadCloser, size int64, err error)
}

// FileSource opens plain paths and file:// URIs.
type FileSource struct{}

var _ Source = FileSource{}

func (FileSource) Open(ctx context.Context, uri string) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	path, err := LocalPath(uri)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("opening apk: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat apk: %w", err)
	}
	return f, info.Size(), nil
}

// LocalPath resolves uri to a filesystem path.
func LocalPath(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnsupportedURI, err)
	}
	switch u.Scheme {
	case "":
		return filepath.Clean(uri), nil
	case "file":
		return filepath.FromSlash(u.Path), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedURI, uri)
	}
}

// Detect sniffs the archive header and fails with ErrNotAPK unless the
// content is a package or a plain zip. The returned reader replays the
// sniffed bytes.
func Detect(r io.Reader) (*mimetype.MIME, io.Reader, error) {
	header := make([]byte, 3072)
	n, err := io.ReadFull(r, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("reading apk header: %w", err)
	}
	header = header[:n]

	mime := mimetype.Detect(header)
	if !IsPackage(mime) {
		return mime, nil, fmt.Errorf("%w: detected %s", ErrNotAPK, mime.String())
	}
	return mime, io.MultiReader(bytes.NewReader(header), r), nil
}

// IsPackage reports whether m, or one of its parents, is an APK or zip.
func IsPackage(m *mimetype.MIME) bool {
	for ; m != nil; m = m.Parent() {
		if m.Is(MIMEType) || m.Is("application/zip") {
			return true
		}
	}
	return false
}
