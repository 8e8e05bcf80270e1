package video

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dj-oyu/sai-fitness/analysis-server/internal/apperr"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/imagecodec"
)

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".webp": true,
	".bmp": true, ".tif": true, ".tiff": true,
}

// DirSource reads the image files of a directory in lexical order, one frame
// per file.
type DirSource struct {
	files []string
	fps   float64
	index int
}

// OpenDir lists the images in dir. A directory without images is an input
// error.
func OpenDir(dir string, fps float64) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, apperr.Input(err, "read frame directory %s", dir)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	if len(files) == 0 {
		return nil, apperr.Input(nil, "no images in %s", dir)
	}
	sort.Strings(files)
	return &DirSource{files: files, fps: fps}, nil
}

func (s *DirSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if s.index >= len(s.files) {
		return Frame{}, io.EOF
	}
	index := uint64(s.index)
	path := s.files[s.index]
	s.index++

	data, err := os.ReadFile(path)
	if err != nil {
		return Frame{}, apperr.Frame(err, "read %s", filepath.Base(path))
	}
	img, _, err := imagecodec.Decode(data)
	if err != nil {
		return Frame{}, apperr.Frame(err, "%s", filepath.Base(path))
	}
	return Frame{Seq: index, Timestamp: timestampAt(index, s.fps), Image: img}, nil
}

func (s *DirSource) Close() error { return nil }

// Open picks a source for path: a directory of images, or a video file
// decoded through cfg.
func Open(ctx context.Context, path string, cfg CommandConfig) (Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, apperr.Input(err, "open %s", path)
	}
	if info.IsDir() {
		return OpenDir(path, cfg.FPS)
	}
	return OpenCommand(ctx, path, cfg)
}
