package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/stakeordie/emp-job-queue-sub011/internal/adapter/observability"
	"github.com/stakeordie/emp-job-queue-sub011/internal/domain"
)

const sseBuffer = 16

// sseStream is one open progress stream, bound to a single job.
type sseStream struct {
	id     string
	jobID  string
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

func (s *sseStream) close() {
	s.once.Do(func() { close(s.done) })
}

// SSERegistry tracks open SSE connections by job id. It implements the
// fanout router's SSE surface: SendSSE for matching progress events and
// CloseSSE when the job reaches a terminal state.
type SSERegistry struct {
	mu      sync.Mutex
	streams map[string]map[*sseStream]struct{}
}

// NewSSERegistry returns an empty registry.
func NewSSERegistry() *SSERegistry {
	return &SSERegistry{streams: make(map[string]map[*sseStream]struct{})}
}

func (r *SSERegistry) add(s *sseStream) {
	r.mu.Lock()
	set := r.streams[s.jobID]
	if set == nil {
		set = make(map[*sseStream]struct{})
		r.streams[s.jobID] = set
	}
	set[s] = struct{}{}
	r.mu.Unlock()
	observability.ActiveConnections.WithLabelValues("sse").Inc()
}

func (r *SSERegistry) remove(s *sseStream) {
	r.mu.Lock()
	if set, ok := r.streams[s.jobID]; ok {
		if _, present := set[s]; present {
			delete(set, s)
			observability.ActiveConnections.WithLabelValues("sse").Dec()
		}
		if len(set) == 0 {
			delete(r.streams, s.jobID)
		}
	}
	r.mu.Unlock()
	s.close()
}

func (r *SSERegistry) streamsFor(jobID string) []*sseStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.streams[jobID]
	out := make([]*sseStream, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// SendSSE delivers an event frame to every stream bound to the job.
// Streams too slow to drain their buffer are dropped.
func (r *SSERegistry) SendSSE(jobID string, ev domain.Event) {
	frame, err := json.Marshal(ev)
	if err != nil {
		return
	}
	for _, s := range r.streamsFor(jobID) {
		select {
		case s.frames <- frame:
		default:
			observability.EventsDroppedTotal.WithLabelValues("sse").Inc()
			r.remove(s)
		}
	}
}

// CloseSSE ends every stream bound to the job. Queued frames (the
// terminal event among them) are still flushed before the response ends.
func (r *SSERegistry) CloseSSE(jobID string) {
	for _, s := range r.streamsFor(jobID) {
		r.remove(s)
	}
}

// Count reports open streams, across all jobs.
func (r *SSERegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, set := range r.streams {
		n += len(set)
	}
	return n
}

// ProgressStreamHandler handles GET /api/jobs/{id}/progress: a one-shot
// SSE subscription to one job's progress that the server ends on the
// job's terminal event.
func (s *Server) ProgressStreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "id")
		if _, err := s.jobs.Get(r.Context(), jobID); err != nil {
			writeError(w, err)
			return
		}
		flusher, canFlush := w.(http.Flusher)
		if !canFlush {
			writeError(w, domain.ErrInternal)
			return
		}

		stream := &sseStream{
			id:     uuid.NewString(),
			jobID:  jobID,
			frames: make(chan []byte, sseBuffer),
			done:   make(chan struct{}),
		}
		s.sse.add(stream)
		defer s.sse.remove(stream)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		hello, _ := json.Marshal(map[string]any{
			"type":      "connected",
			"job_id":    jobID,
			"client_id": stream.id,
			"timestamp": domain.NowMS(),
		})
		writeSSEFrame(w, hello)
		flusher.Flush()

		for {
			select {
			case frame := <-stream.frames:
				writeSSEFrame(w, frame)
				flusher.Flush()
			case <-stream.done:
				// Flush anything queued before the close, terminal
				// frame included.
				for {
					select {
					case frame := <-stream.frames:
						writeSSEFrame(w, frame)
					default:
						flusher.Flush()
						return
					}
				}
			case <-r.Context().Done():
				return
			}
		}
	}
}

func writeSSEFrame(w http.ResponseWriter, data []byte) {
	_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
}
