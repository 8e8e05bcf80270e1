// Package fetch resolves a video reference (local path or URL) into a local
// file the decoder can open.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/dj-oyu/sai-fitness/analysis-server/internal/apperr"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/logger"
)

// File is a local file backing a video reference. Release removes it when
// it was downloaded; local paths are never removed.
type File struct {
	Path  string
	owned bool
}

// Release deletes a downloaded file. Safe to call more than once.
func (f *File) Release() error {
	if f == nil || !f.owned {
		return nil
	}
	f.owned = false
	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Owned reports whether Release will delete the file.
func (f *File) Owned() bool { return f != nil && f.owned }

// IsURL reports whether ref should be downloaded rather than opened.
func IsURL(ref string) bool {
	u, err := url.Parse(ref)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Fetcher downloads remote videos into a temp directory.
type Fetcher struct {
	Client   *http.Client
	TempDir  string // "" means os.TempDir()
	MaxBytes int64  // 0 means unlimited
}

// Resolve returns a File for ref. Local paths must exist. URLs are
// downloaded and the temp file is removed on every failure path.
func (f *Fetcher) Resolve(ctx context.Context, ref string) (*File, error) {
	if !IsURL(ref) {
		if _, err := os.Stat(ref); err != nil {
			return nil, apperr.Input(err, "video %s", ref)
		}
		return &File{Path: ref}, nil
	}
	return f.download(ctx, ref)
}

func (f *Fetcher) download(ctx context.Context, ref string) (file *File, err error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, apperr.Input(err, "video url %s", ref)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, apperr.Input(err, "download %s", ref)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Input(nil, "download %s: HTTP %d", ref, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(f.TempDir, "video-*"+extension(ref))
	if err != nil {
		return nil, apperr.Input(err, "create temp file")
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	body := io.Reader(resp.Body)
	if f.MaxBytes > 0 {
		body = io.LimitReader(resp.Body, f.MaxBytes+1)
	}
	n, err := io.Copy(tmp, body)
	if err != nil {
		return nil, apperr.Input(err, "download %s", ref)
	}
	if f.MaxBytes > 0 && n > f.MaxBytes {
		err = fmt.Errorf("larger than %d bytes", f.MaxBytes)
		return nil, apperr.Input(err, "download %s", ref)
	}
	if err = tmp.Close(); err != nil {
		return nil, apperr.Input(err, "write temp file")
	}
	logger.Debug("Fetch", "downloaded %s (%d bytes) to %s", ref, n, tmp.Name())
	return &File{Path: tmp.Name(), owned: true}, nil
}

// extension keeps the URL's file extension so decoders can sniff by name.
func extension(ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if len(ext) > 6 || strings.ContainsAny(ext, `/\*`) {
		return ""
	}
	return ext
}
