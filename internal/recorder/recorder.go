package recorder

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dj-oyu/sai-fitness/analysis-server/internal/logger"
	"github.com/dj-oyu/sai-fitness/analysis-server/pkg/types"
)

// Header is the first line of a trace file.
type Header struct {
	Session   string    `json:"session"`
	TestType  string    `json:"testType"`
	Mode      string    `json:"mode"`
	StartedAt time.Time `json:"startedAt"`
}

// Recorder writes the landmark frames of one session to a JSONL trace so the
// session can be re-scored later.
type Recorder struct {
	mu           sync.RWMutex
	file         *os.File
	w            *bufio.Writer
	filename     string
	basePath     string
	recording    bool
	frameCount   atomic.Uint64
	bytesWritten atomic.Uint64
	writeErrors  atomic.Uint64
	startTime    time.Time
	frameChan    chan *types.LandmarkFrame
	wg           sync.WaitGroup
}

// New creates a recorder writing into basePath.
func New(basePath string) *Recorder {
	return &Recorder{basePath: basePath}
}

// Start opens a new trace file and writes its header. The file name carries
// the exercise, the start time and the session id.
func (r *Recorder) Start(h Header) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return fmt.Errorf("already recording")
	}
	if h.Session == "" {
		h.Session = uuid.NewString()
	}
	if h.StartedAt.IsZero() {
		h.StartedAt = time.Now()
	}
	if err := os.MkdirAll(r.basePath, 0o755); err != nil {
		return fmt.Errorf("create trace dir: %w", err)
	}

	slug := strings.ReplaceAll(strings.ToLower(h.TestType), " ", "_")
	filename := fmt.Sprintf("trace_%s_%s_%s.jsonl", slug, h.StartedAt.Format("20060102_150405"), shortID(h.Session))
	file, err := os.Create(filepath.Join(r.basePath, filename))
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	w := bufio.NewWriter(file)
	line, _ := json.Marshal(h)
	n, err := w.Write(append(line, '\n'))
	if err != nil {
		file.Close()
		return fmt.Errorf("write header: %w", err)
	}

	r.file = file
	r.w = w
	r.filename = filename
	r.recording = true
	r.frameCount.Store(0)
	r.bytesWritten.Store(uint64(n))
	r.writeErrors.Store(0)
	r.startTime = h.StartedAt
	r.frameChan = make(chan *types.LandmarkFrame, 256)

	r.wg.Add(1)
	go r.writeFrames(r.frameChan)

	logger.Info("Recorder", "recording %s session %s to %s", h.TestType, h.Session, filename)
	return nil
}

// Record queues a frame for writing. It blocks when the queue is full so the
// trace stays complete. Frames sent while not recording are ignored. The
// writer goroutine never takes mu, so holding the read lock across the send
// keeps Stop from closing the channel underneath it.
func (r *Recorder) Record(frame *types.LandmarkFrame) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.recording || frame == nil {
		return false
	}
	r.frameChan <- frame
	return true
}

func (r *Recorder) writeFrames(frames <-chan *types.LandmarkFrame) {
	defer r.wg.Done()
	for frame := range frames {
		r.writeFrame(frame)
	}
}

func (r *Recorder) writeFrame(frame *types.LandmarkFrame) {
	line, err := json.Marshal(frame)
	var n int
	if err == nil {
		n, err = r.w.Write(append(line, '\n'))
	}
	r.bytesWritten.Add(uint64(n))
	if err != nil {
		r.writeErrors.Add(1)
		logger.Warn("Recorder", "write frame %d: %v", frame.Seq, err)
		return
	}
	r.frameCount.Add(1)
}

// Stop flushes pending frames and closes the trace file.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return fmt.Errorf("not recording")
	}
	r.recording = false
	close(r.frameChan)
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.w.Flush(); err != nil {
		r.file.Close()
		r.file = nil
		return fmt.Errorf("failed to flush trace: %w", err)
	}
	if err := r.file.Close(); err != nil {
		r.file = nil
		return fmt.Errorf("failed to close file: %w", err)
	}
	r.file = nil
	logger.Info("Recorder", "wrote %d frames to %s", r.frameCount.Load(), r.filename)
	return nil
}

// Path returns the current or last trace file path.
func (r *Recorder) Path() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.filename == "" {
		return ""
	}
	return filepath.Join(r.basePath, r.filename)
}

func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// Status returns the current recording status
func (r *Recorder) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var duration time.Duration
	if r.recording {
		duration = time.Since(r.startTime)
	}
	return Status{
		Recording:    r.recording,
		Filename:     r.filename,
		FrameCount:   r.frameCount.Load(),
		BytesWritten: r.bytesWritten.Load(),
		WriteErrors:  r.writeErrors.Load(),
		Duration:     duration,
		StartTime:    r.startTime,
	}
}

// Status holds the current recording status
type Status struct {
	Recording    bool          `json:"recording"`
	Filename     string        `json:"filename"`
	FrameCount   uint64        `json:"frame_count"`
	BytesWritten uint64        `json:"bytes_written"`
	WriteErrors  uint64        `json:"write_errors"`
	Duration     time.Duration `json:"duration_ms"`
	StartTime    time.Time     `json:"start_time"`
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
