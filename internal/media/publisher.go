// Package media publishes session traces so results can link to them.
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dj-oyu/sai-fitness/analysis-server/internal/apperr"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/logger"
)

// Publisher uploads a local file and returns its public URL. Failures are
// upstream errors and never affect scoring.
type Publisher interface {
	Publish(ctx context.Context, localPath string) (string, error)
}

// DefaultUploadURL is the ImageKit upload endpoint.
const DefaultUploadURL = "https://upload.imagekit.io/api/v1/files/upload"

// HTTPPublisher uploads with an ImageKit-compatible multipart request:
// fields file, fileName and folder, basic auth with the private key as user,
// JSON reply carrying "url".
type HTTPPublisher struct {
	Endpoint   string
	PrivateKey string
	Folder     string // default "session-traces"
	Prefix     string // file name prefix, e.g. the exercise slug
	Client     *http.Client
	Now        func() time.Time
}

type uploadReply struct {
	URL     string `json:"url"`
	FileID  string `json:"fileId"`
	Message string `json:"message"`
}

func (p *HTTPPublisher) Publish(ctx context.Context, localPath string) (string, error) {
	if p.PrivateKey == "" {
		return "", apperr.Upstream(nil, "upload: no private key configured")
	}
	f, err := os.Open(localPath)
	if err != nil {
		return "", apperr.Upstream(err, "upload: open %s", localPath)
	}
	defer f.Close()

	endpoint := p.Endpoint
	if endpoint == "" {
		endpoint = DefaultUploadURL
	}
	folder := p.Folder
	if folder == "" {
		folder = "session-traces"
	}
	name := p.fileName(localPath)

	// Stream the body so long traces are not buffered in memory.
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeForm(mw, f, name, folder)
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pr)
	if err != nil {
		pr.Close()
		return "", apperr.Upstream(err, "upload request")
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.SetBasicAuth(p.PrivateKey, "")

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", apperr.Upstream(err, "upload %s", name)
	}
	defer resp.Body.Close()

	var reply uploadReply
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&reply); err != nil && resp.StatusCode < 300 {
		return "", apperr.Upstream(err, "upload %s: bad reply", name)
	}
	if resp.StatusCode >= 300 {
		return "", apperr.Upstream(nil, "upload %s: HTTP %d %s", name, resp.StatusCode, reply.Message)
	}
	if reply.URL == "" {
		return "", apperr.Upstream(nil, "upload %s: reply has no url", name)
	}
	logger.Info("Media", "uploaded %s -> %s", name, reply.URL)
	return reply.URL, nil
}

func writeForm(mw *multipart.Writer, f *os.File, name, folder string) error {
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	if err := mw.WriteField("fileName", name); err != nil {
		return err
	}
	if err := mw.WriteField("folder", folder); err != nil {
		return err
	}
	return mw.Close()
}

func (p *HTTPPublisher) fileName(localPath string) string {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	prefix := p.Prefix
	if prefix == "" {
		prefix = "analysis"
	}
	ext := filepath.Ext(localPath)
	if ext == "" {
		ext = ".jsonl"
	}
	return fmt.Sprintf("%s_%s%s", prefix, now().Format("20060102150405"), ext)
}

// Slug turns an exercise tag into a file name prefix: "Sit Ups" -> "sit_ups".
func Slug(tag string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(tag)), " ", "_")
}
