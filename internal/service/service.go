// Package service wires the analysis collaborators into the three session
// kinds: a whole video, a live frame stream and a recorded trace replay.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/dj-oyu/sai-fitness/analysis-server/internal/analysis"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/apperr"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/calibration"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/config"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/fetch"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/logger"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/media"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/metrics"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/pose"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/recorder"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/runner"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/video"
	"github.com/dj-oyu/sai-fitness/analysis-server/pkg/types"
)

var log = logger.For("Service")

// Service runs analysis sessions. The zero value needs at least an
// Estimator for video and image-frame sessions.
type Service struct {
	Calibration calibration.Set
	Fetcher     *fetch.Fetcher
	Video       video.CommandConfig
	Estimator   pose.Estimator
	Metrics     *metrics.Metrics

	// PublisherFor returns the upload collaborator for a test type, or nil.
	PublisherFor func(analysis.ExerciseType) media.Publisher

	// RecordDir, when set, gets one landmark trace per session.
	RecordDir string

	// OpenVideo defaults to video.Open.
	OpenVideo func(ctx context.Context, path string, cfg video.CommandConfig) (video.Source, error)
}

// AnalyzeVideo scores the video at ref (local path or URL). The test type is
// validated before anything is fetched. When traces are recorded, a
// configured publisher receives the session trace; an upload failure only
// drops traceUrl. Running out of time on ctx is an error, not a short video.
func (s *Service) AnalyzeVideo(ctx context.Context, ref, testType string) (res analysis.Result, err error) {
	a, err := analysis.New(testType, s.Calibration)
	if err != nil {
		return analysis.Result{}, err
	}
	if s.Estimator == nil {
		return analysis.Result{}, apperr.Input(nil, "no pose estimator configured")
	}
	defer s.track(a.TestType(), "batch")(&err)

	fetcher := s.Fetcher
	if fetcher == nil {
		fetcher = &fetch.Fetcher{}
	}
	file, err := fetcher.Resolve(ctx, ref)
	if err != nil {
		return analysis.Result{}, err
	}
	defer func() {
		if rerr := file.Release(); rerr != nil {
			log.Warnf("remove %s: %v", file.Path, rerr)
		}
	}()

	open := s.OpenVideo
	if open == nil {
		open = video.Open
	}
	src, err := open(ctx, file.Path, s.Video)
	if err != nil {
		return analysis.Result{}, err
	}

	rec := s.startTrace(a.TestType(), "batch")
	b := &runner.BatchRunner{Metrics: s.Metrics, Tap: tap(rec)}
	res, err = b.Run(ctx, &runner.EstimatingSource{Video: src, Estimator: s.Estimator, Metrics: s.Metrics}, a)
	trace := stopTrace(rec)
	if err != nil {
		return analysis.Result{}, err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return analysis.Result{}, fmt.Errorf("analysis of %s timed out: %w", ref, ctx.Err())
	}

	if trace != "" {
		res.TraceURL = s.publish(ctx, a.TestType(), trace)
	}
	return res, nil
}

func (s *Service) publish(ctx context.Context, t analysis.ExerciseType, path string) string {
	if s.PublisherFor == nil {
		return ""
	}
	pub := s.PublisherFor(t)
	if pub == nil {
		return ""
	}
	url, err := pub.Publish(ctx, path)
	if err != nil {
		if s.Metrics != nil {
			s.Metrics.UploadErrors.Add(1)
		}
		log.Warnf("publish trace %s: %v", path, err)
		return ""
	}
	log.Infof("published trace: %s", url)
	return url
}

// Stream runs a live session over frame lines read from r, calling emit
// after every frame with a detected pose.
func (s *Service) Stream(ctx context.Context, r io.Reader, testType string, emit func(analysis.Result) error) (sum runner.Summary, err error) {
	a, err := analysis.New(testType, s.Calibration)
	if err != nil {
		return runner.Summary{}, err
	}
	defer s.track(a.TestType(), "stream")(&err)

	rec := s.startTrace(a.TestType(), "stream")
	defer stopTrace(rec)
	sr := &runner.StreamRunner{Estimator: s.Estimator, Metrics: s.Metrics, Tap: tap(rec)}
	return sr.Run(ctx, r, a, emit)
}

// Replay re-scores a recorded trace. An empty testType uses the one in the
// trace header.
func (s *Service) Replay(ctx context.Context, tracePath, testType string) (res analysis.Result, err error) {
	trace, err := recorder.OpenTrace(tracePath)
	if err != nil {
		return analysis.Result{}, err
	}
	if testType == "" {
		testType = trace.Header.TestType
	}
	a, err := analysis.New(testType, s.Calibration)
	if err != nil {
		trace.Close()
		return analysis.Result{}, err
	}
	defer s.track(a.TestType(), "replay")(&err)

	log.Infof("replaying session %s (%s, recorded %s)", trace.Header.Session, trace.Header.TestType,
		trace.Header.StartedAt.Format(time.RFC3339))
	return (&runner.BatchRunner{Metrics: s.Metrics}).Run(ctx, trace, a)
}

// track counts the session and marks it failed when *errp is set on return.
func (s *Service) track(t analysis.ExerciseType, mode string) func(errp *error) {
	if s.Metrics == nil {
		return func(*error) {}
	}
	done := s.Metrics.SessionStarted(string(t), mode)
	return func(errp *error) { done(*errp != nil) }
}

func (s *Service) startTrace(t analysis.ExerciseType, mode string) *recorder.Recorder {
	if s.RecordDir == "" {
		return nil
	}
	rec := recorder.New(s.RecordDir)
	err := rec.Start(recorder.Header{
		Session:   uuid.NewString(),
		TestType:  string(t),
		Mode:      mode,
		StartedAt: time.Now(),
	})
	if err != nil {
		log.Warnf("trace recording disabled: %v", err)
		return nil
	}
	return rec
}

// stopTrace closes rec and returns the trace path, or "" when nothing usable
// was written.
func stopTrace(rec *recorder.Recorder) string {
	if rec == nil {
		return ""
	}
	path := rec.Path()
	if err := rec.Stop(); err != nil {
		log.Warnf("stop trace: %v", err)
		return ""
	}
	st := rec.Status()
	log.Infof("trace written to %s (%d frames, %d write errors)", path, st.FrameCount, st.WriteErrors)
	if st.WriteErrors > 0 {
		return ""
	}
	return path
}

func tap(rec *recorder.Recorder) func(*types.LandmarkFrame) {
	if rec == nil {
		return nil
	}
	return func(f *types.LandmarkFrame) { rec.Record(f) }
}

// FromConfig builds a Service from cfg. The returned stop func shuts down
// the pose worker, if one was started.
func FromConfig(cfg config.Config, m *metrics.Metrics) (*Service, func(), error) {
	cal, err := cfg.Calibration()
	if err != nil {
		return nil, nil, err
	}
	s := &Service{
		Calibration: cal,
		Fetcher:     &fetch.Fetcher{MaxBytes: cfg.FetchMaxBytes},
		Video:       cfg.VideoConfig(),
		Metrics:     m,
		RecordDir:   cfg.RecordDir,
		PublisherFor: func(t analysis.ExerciseType) media.Publisher {
			return cfg.Publisher(media.Slug(string(t)))
		},
	}
	stop := func() {}
	if cfg.PoseCommand != "" {
		est, err := pose.StartProcess(cfg.PoseConfig())
		if err != nil {
			return nil, nil, err
		}
		s.Estimator = est
		stop = func() {
			if err := est.Close(); err != nil {
				log.Warnf("stop pose worker: %v", err)
			}
		}
	}
	return s, stop, nil
}
