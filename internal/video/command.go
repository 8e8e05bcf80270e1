package video

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/dj-oyu/sai-fitness/analysis-server/internal/apperr"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/logger"
)

// CommandConfig describes the external decoder. The command must write
// concatenated JPEG images to stdout.
type CommandConfig struct {
	Command string   // default "ffmpeg"
	Args    []string // nil means FFmpegArgs(input, FPS)
	Env     []string
	FPS     float64
}

// FFmpegArgs resamples input to fps and writes MJPEG to stdout.
func FFmpegArgs(input string, fps float64) []string {
	if fps <= 0 {
		fps = DefaultFPS
	}
	return []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-i", input,
		"-vf", "fps=" + strconv.FormatFloat(fps, 'f', -1, 64),
		"-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "3",
		"-",
	}
}

// CommandSource decodes a video file by piping it through a decoder process.
type CommandSource struct {
	*MJPEGSource
	cmd       *exec.Cmd
	stdout    io.ReadCloser
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// OpenCommand starts the decoder for the video at path.
func OpenCommand(ctx context.Context, path string, cfg CommandConfig) (*CommandSource, error) {
	if cfg.Command == "" {
		cfg.Command = "ffmpeg"
	}
	if cfg.FPS <= 0 {
		cfg.FPS = DefaultFPS
	}
	args := cfg.Args
	if args == nil {
		args = FFmpegArgs(path, cfg.FPS)
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, cfg.Command, args...)
	cmd.Env = append(cmd.Environ(), cfg.Env...)
	cmd.Stderr = logger.For("Decoder").Writer(logger.WARN)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, apperr.Input(err, "decoder pipe")
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, apperr.Input(err, "start decoder %s", cfg.Command)
	}
	logger.Debug("Decoder", "decoding %s at %v fps (pid %d)", path, cfg.FPS, cmd.Process.Pid)

	return &CommandSource{
		MJPEGSource: NewMJPEGSource(stdout, cfg.FPS),
		cmd:         cmd,
		stdout:      stdout,
		cancel:      cancel,
	}, nil
}

// Next returns the next frame. A decoder that fails before producing any
// frame is reported as an input error.
func (s *CommandSource) Next(ctx context.Context) (Frame, error) {
	f, err := s.MJPEGSource.Next(ctx)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		if werr := s.wait(); werr != nil && s.index == 0 {
			return Frame{}, apperr.Input(werr, "decoder produced no frames")
		}
		return Frame{}, io.EOF
	}
	return f, err
}

func (s *CommandSource) wait() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.cmd.Wait()
		s.cancel()
	})
	return s.closeErr
}

// Close stops the decoder and reaps it.
func (s *CommandSource) Close() error {
	s.cancel()
	s.stdout.Close()
	if err := s.wait(); err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			// killed or finished with an error after we stopped reading
			return nil
		}
		return fmt.Errorf("wait decoder: %w", err)
	}
	return nil
}
