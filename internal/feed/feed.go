// Package feed fans live session results out to Server-Sent Events clients.
package feed

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/sai-fitness/analysis-server/internal/analysis"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/logger"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/runner"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/webrtc"
)

var log = logger.For("Feed")

const clientBuffer = 16

// Event holds one result serialized in both wire formats.
type Event struct {
	Session  string
	JSON     []byte
	Protobuf []byte
}

type envelope struct {
	Session   string                `json:"session"`
	TestType  analysis.ExerciseType `json:"testType"`
	AthleteID string                `json:"athleteId,omitempty"`
	Result    analysis.Result       `json:"result"`
}

// Broadcaster manages fanout of live results to multiple clients. A client
// that falls behind loses events instead of stalling the sessions.
type Broadcaster struct {
	// Keepalive is the idle interval between SSE comments (default 30s).
	Keepalive time.Duration

	mu      sync.Mutex
	clients map[int]chan *Event
	nextID  int
	closed  bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

func New() *Broadcaster {
	return &Broadcaster{clients: make(map[int]chan *Event)}
}

// Subscribe adds a new client. The channel is closed on Unsubscribe or Close.
func (b *Broadcaster) Subscribe() (int, <-chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan *Event, clientBuffer)
	if b.closed {
		close(ch)
		return id, ch
	}
	b.clients[id] = ch
	log.Debugf("client #%d subscribed (total clients: %d)", id, len(b.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.clients[id]; ok {
		close(ch)
		delete(b.clients, id)
		log.Debugf("client #%d unsubscribed (remaining clients: %d)", id, len(b.clients))
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Close disconnects every client. Later subscribers get a closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
}

// Published and Dropped count events sent and events lost to slow clients.
func (b *Broadcaster) Published() uint64 { return b.published.Load() }
func (b *Broadcaster) Dropped() uint64   { return b.dropped.Load() }

// Publish serializes res once and queues it for every client. It matches
// webrtc.Options.OnResult.
func (b *Broadcaster) Publish(info webrtc.SessionInfo, res analysis.Result) {
	if b.ClientCount() == 0 {
		return
	}
	ev, err := encode(info, res)
	if err != nil {
		log.Warnf("session %s: encode event: %v", info.ID, err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.clients {
		select {
		case ch <- ev:
			b.published.Add(1)
		default:
			b.dropped.Add(1)
			log.Debugf("client #%d is behind, dropping event", id)
		}
	}
}

func encode(info webrtc.SessionInfo, res analysis.Result) (*Event, error) {
	js, err := json.Marshal(envelope{
		Session:   info.ID,
		TestType:  info.TestType,
		AthleteID: info.AthleteID,
		Result:    res,
	})
	if err != nil {
		return nil, err
	}
	rs, err := runner.ResultStruct(res)
	if err != nil {
		return nil, err
	}
	msg := &structpb.Struct{Fields: map[string]*structpb.Value{
		"session":  structpb.NewStringValue(info.ID),
		"testType": structpb.NewStringValue(string(info.TestType)),
		"result":   structpb.NewStructValue(rs),
	}}
	if info.AthleteID != "" {
		msg.Fields["athleteId"] = structpb.NewStringValue(info.AthleteID)
	}
	raw, err := proto.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return &Event{
		Session:  info.ID,
		JSON:     js,
		Protobuf: []byte(base64.StdEncoding.EncodeToString(raw)),
	}, nil
}

// ServeHTTP streams events to one client until it disconnects or the
// broadcaster is closed. ?format=protobuf selects base64 protobuf payloads.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	format, err := runner.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	id, events := b.Subscribe()
	defer b.Unsubscribe(id)

	useProtobuf := format == runner.FormatProtobuf
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if useProtobuf {
		w.Header().Set("X-Content-Format", "application/protobuf")
	} else {
		w.Header().Set("X-Content-Format", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := b.Keepalive
	if keepalive <= 0 {
		keepalive = 30 * time.Second
	}
	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			data := ev.JSON
			if useProtobuf {
				data = ev.Protobuf
			}
			if _, err := fmt.Fprintf(w, "event: result\ndata: %s\n\n", data); err != nil {
				log.Debugf("client #%d disconnected during event write: %v", id, err)
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				log.Debugf("client #%d disconnected during keepalive: %v", id, err)
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
