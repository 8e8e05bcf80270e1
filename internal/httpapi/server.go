// Package httpapi exposes the analysis service over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/dj-oyu/sai-fitness/analysis-server/internal/analysis"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/apperr"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/feed"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/logger"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/metrics"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/runner"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/service"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/store"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/webrtc"
)

var log = logger.For("HTTP")

const maxOfferBytes = 64 << 10

// Server holds the HTTP handlers. Store, Live and Feed are optional.
type Server struct {
	Service *service.Service
	Store   *store.Store
	Live    *webrtc.Server
	Feed    *feed.Broadcaster
	Metrics *metrics.Metrics

	// AllowOrigin is sent as Access-Control-Allow-Origin when set.
	AllowOrigin string
	// AllowLocalPaths lets /api/analyze read videoPath from the server's disk.
	AllowLocalPaths bool
	// AnalyzeTimeout bounds one /api/analyze request (0 = none).
	AnalyzeTimeout time.Duration
}

type analyzeRequest struct {
	VideoURL  string `json:"videoUrl"`
	VideoPath string `json:"videoPath"`
	TestType  string `json:"testType"`
	AthleteID string `json:"athleteId"`
}

type analyzeResponse struct {
	Result      analysis.Result    `json:"result"`
	Performance *store.Performance `json:"performance,omitempty"`
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/analyze", s.cors(s.handleAnalyze))
	mux.HandleFunc("/api/live/offer", s.cors(s.handleOffer))
	mux.HandleFunc("/api/live/sessions", s.cors(s.handleSessions))
	mux.HandleFunc("/api/live/events", s.cors(s.handleEvents))
	mux.HandleFunc("/api/results", s.cors(s.handleResults))
	mux.HandleFunc("/api/leaderboard", s.cors(s.handleLeaderboard))
	mux.HandleFunc("/health", s.handleHealth)
	if s.Metrics != nil {
		mux.Handle("/metrics", s.Metrics.Handler())
	}
	return mux
}

func (s *Server) cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.AllowOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", s.AllowOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req analyzeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	ref := req.VideoURL
	if ref == "" && s.AllowLocalPaths {
		ref = req.VideoPath
	}
	if ref == "" || req.TestType == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing video URL or test type"))
		return
	}

	ctx := r.Context()
	if s.AnalyzeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.AnalyzeTimeout)
		defer cancel()
	}
	res, err := s.Service.AnalyzeVideo(ctx, ref, req.TestType)
	if err != nil {
		log.Warnf("analyze %s (%s): %v", ref, req.TestType, err)
		writeError(w, statusFor(err), err)
		return
	}

	resp := analyzeResponse{Result: res}
	if r.Context().Err() != nil {
		log.Infof("client left before %s finished; result not saved", ref)
		return
	}
	if s.Store != nil && req.AthleteID != "" {
		p, err := s.Store.Save(r.Context(), req.AthleteID, res)
		if err != nil {
			s.countStoreError()
			log.Errorf("save result for %s: %v", req.AthleteID, err)
		} else {
			resp.Performance = &p
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.Live == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("live sessions are disabled"))
		return
	}
	offerJSON, err := io.ReadAll(io.LimitReader(r.Body, maxOfferBytes))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	q := r.URL.Query()
	answerJSON, id, err := s.Live.HandleOffer(offerJSON, q.Get("testType"), q.Get("athleteId"))
	if err != nil {
		log.Warnf("WebRTC offer error: %v", err)
		status := http.StatusInternalServerError
		var invalid *analysis.InvalidExerciseTypeError
		if errors.As(err, &invalid) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Session-Id", id)
	w.Write(answerJSON)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.Live == nil {
		writeJSON(w, http.StatusOK, map[string]webrtc.Stats{})
		return
	}
	writeJSON(w, http.StatusOK, s.Live.SessionStats())
}

// handleEvents streams every live session's results as SSE.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.Feed == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("live feed is disabled"))
		return
	}
	s.Feed.ServeHTTP(w, r)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.Store == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("results store is disabled"))
		return
	}
	athlete := r.URL.Query().Get("athleteId")
	if athlete == "" {
		writeError(w, http.StatusBadRequest, errors.New("athleteId is required"))
		return
	}
	list, err := s.Store.ListByAthlete(r.Context(), athlete)
	if err != nil {
		s.countStoreError()
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.Store == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("results store is disabled"))
		return
	}
	q := r.URL.Query()
	tag := q.Get("testType")
	if tag == "" {
		tag = string(analysis.SitUps)
	}
	t, err := analysis.ParseExerciseType(tag)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
	}
	list, err := s.Store.Leaderboard(r.Context(), t, limit)
	if err != nil {
		s.countStoreError()
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	live := 0
	if s.Live != nil {
		live = s.Live.SessionCount()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"live_sessions": live,
		"store":         s.Store != nil,
		"estimator":     s.Service != nil && s.Service.Estimator != nil,
	})
}

// PersistLive stores the last result of a finished live session. It is meant
// as the webrtc.Server finish hook.
func (s *Server) PersistLive(info webrtc.SessionInfo, sum runner.Summary) {
	if s.Store == nil || info.AthleteID == "" || sum.Emitted == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p, err := s.Store.Save(ctx, info.AthleteID, sum.Last)
	if err != nil {
		s.countStoreError()
		log.Errorf("save live session %s: %v", info.ID, err)
		return
	}
	log.Infof("live session %s saved as %s (score %v)", info.ID, p.ID, p.Score)
}

func (s *Server) countStoreError() {
	if s.Metrics != nil {
		s.Metrics.StoreErrors.Add(1)
	}
}

func statusFor(err error) int {
	var invalid *analysis.InvalidExerciseTypeError
	switch {
	case errors.As(err, &invalid), errors.Is(err, apperr.ErrInput):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrUpstream):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	apperr.WriteJSON(w, err)
}
