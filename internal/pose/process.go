package pose

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/sai-fitness/analysis-server/internal/imagecodec"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/logger"
	"github.com/dj-oyu/sai-fitness/analysis-server/pkg/types"
)

// ErrWorkerExited is returned when the worker process is gone.
var ErrWorkerExited = errors.New("pose worker exited")

// ProcessConfig describes the external pose worker.
type ProcessConfig struct {
	Command     string
	Args        []string
	Env         []string      // appended to the current environment
	Timeout     time.Duration // per frame, default 5s
	StopTimeout time.Duration // grace period after stdin closes, default 2s
	MaxSide     int           // downscale before sending; 0 keeps full size
	JPEGQuality int
}

// request is one line written to the worker's stdin.
type request struct {
	Seq    uint64 `json:"seq"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Frame  string `json:"frame"`
}

// response is one line read from the worker's stdout. Landmarks is null when
// no person was found.
type response struct {
	Seq       uint64           `json:"seq"`
	Landmarks []types.Landmark `json:"landmarks"`
	Error     string           `json:"error,omitempty"`
}

// ProcessEstimator runs a long-lived worker process and exchanges one JSON
// line per frame over its stdin and stdout. Estimate calls are serialized.
type ProcessEstimator struct {
	cfg ProcessConfig
	log *logger.Module

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	replies chan response
	done    chan struct{} // closed by Close
	exited  chan struct{} // closed once the process has been reaped

	mu     sync.Mutex
	seq    uint64
	closed atomic.Bool
	wg     sync.WaitGroup
}

// StartProcess spawns the worker. The process lives until Close.
func StartProcess(cfg ProcessConfig) (*ProcessEstimator, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("pose worker command is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}

	p := &ProcessEstimator{
		cfg:     cfg,
		log:     logger.For("PoseWorker"),
		replies: make(chan response, 1),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}

	p.cmd = exec.Command(cfg.Command, cfg.Args...)
	p.cmd.Env = append(os.Environ(), cfg.Env...)
	p.cmd.Stderr = p.log.Writer(logger.INFO)

	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	p.stdin = stdin

	if err := p.cmd.Start(); err != nil {
		return nil, fmt.Errorf("start pose worker: %w", err)
	}
	p.log.Infof("started %s (pid %d)", cfg.Command, p.cmd.Process.Pid)

	p.wg.Add(1)
	go p.readReplies(stdout)
	go p.waitProcess()
	return p, nil
}

func (p *ProcessEstimator) readReplies(stdout io.Reader) {
	defer p.wg.Done()
	reader := bufio.NewReaderSize(stdout, 64*1024)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			var resp response
			if jerr := json.Unmarshal(line, &resp); jerr != nil {
				p.log.Warnf("unparseable reply: %v", jerr)
			} else {
				select {
				case p.replies <- resp:
				case <-p.done:
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (p *ProcessEstimator) waitProcess() {
	p.wg.Wait()
	err := p.cmd.Wait()
	if err != nil && !p.closed.Load() {
		p.log.Errorf("worker exited unexpectedly: %v", err)
	} else {
		p.log.Debugf("worker exited")
	}
	close(p.exited)
}

// Estimate sends img to the worker and waits for its landmarks.
func (p *ProcessEstimator) Estimate(ctx context.Context, img image.Image) (*types.LandmarkFrame, error) {
	if p.closed.Load() {
		return nil, ErrWorkerExited
	}
	bounds := img.Bounds()
	data, err := imagecodec.EncodeJPEG(imagecodec.Downscale(img, p.cfg.MaxSide), p.cfg.JPEGQuality)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	req := request{
		Seq:    p.seq,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		Frame:  base64.StdEncoding.EncodeToString(data),
	}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(p.cfg.Timeout)
	defer timer.Stop()

	written := make(chan error, 1)
	go func() {
		_, err := p.stdin.Write(append(line, '\n'))
		written <- err
	}()
	select {
	case err := <-written:
		if err != nil {
			return nil, fmt.Errorf("write frame %d: %w", req.Seq, err)
		}
	case <-timer.C:
		return nil, fmt.Errorf("write frame %d: timed out after %s", req.Seq, p.cfg.Timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.exited:
		return nil, ErrWorkerExited
	}

	for {
		select {
		case resp := <-p.replies:
			if resp.Seq != req.Seq {
				// reply to a frame that already timed out
				p.log.Debugf("dropping stale reply %d (waiting for %d)", resp.Seq, req.Seq)
				continue
			}
			if resp.Error != "" {
				return nil, fmt.Errorf("worker: %s", resp.Error)
			}
			if len(resp.Landmarks) == 0 {
				return nil, nil
			}
			return &types.LandmarkFrame{
				Width:     req.Width,
				Height:    req.Height,
				Landmarks: resp.Landmarks,
			}, nil
		case <-timer.C:
			return nil, fmt.Errorf("frame %d: no reply after %s", req.Seq, p.cfg.Timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.exited:
			return nil, ErrWorkerExited
		}
	}
}

// Close closes the worker's stdin and waits for it to exit, killing it after
// StopTimeout.
func (p *ProcessEstimator) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(p.done)
	p.stdin.Close()
	select {
	case <-p.exited:
	case <-time.After(p.cfg.StopTimeout):
		p.log.Warnf("worker did not exit within %s, killing", p.cfg.StopTimeout)
		p.cmd.Process.Kill()
		<-p.exited
	}
	return nil
}
