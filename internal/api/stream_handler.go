package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/phrazzld/taskflow/internal/domain"
	"github.com/phrazzld/taskflow/internal/platform/logger"
	"github.com/phrazzld/taskflow/internal/stream"
)

// LastEventIDHeader carries the client's replay cursor on reconnect.
const LastEventIDHeader = "Last-Event-ID"

// StreamHandler serves GET /stream.
type StreamHandler struct {
	source stream.EventSource
	sub    stream.Subscriber
	cfg    stream.Config
	logger *slog.Logger
}

// NewStreamHandler creates a new StreamHandler.
func NewStreamHandler(source stream.EventSource, sub stream.Subscriber, cfg stream.Config, logger *slog.Logger) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHandler{
		source: source,
		sub:    sub,
		cfg:    cfg,
		logger: logger.With("component", "stream_handler"),
	}
}

// Stream opens a replay-then-live event stream for ?projectId=. A failed
// replay is reported as a normal error response; once headers are written
// the stream runs until the client disconnects or the server shuts down.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	projectID := strings.TrimSpace(r.URL.Query().Get("projectId"))
	if projectID == "" {
		HandleAPIError(w, r, validationError(errors.New("projectId is required")), "")
		return
	}

	ctx := r.Context()
	log := logger.FromContextOrDefault(ctx, h.logger)

	sess, err := stream.Open(ctx, h.source, h.sub, stream.Request{
		ProjectID: projectID,
		UserID:    userID,
		Cursor:    domain.ParseCursor(strings.TrimSpace(r.Header.Get(LastEventIDHeader))),
	}, h.cfg, log)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to open event stream")
		return
	}
	defer sess.Close()

	rc := http.NewResponseController(w)
	// Long-lived responses must outlive the server's write timeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		log.Warn("failed to clear write deadline", "error", err)
	}

	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream; charset=utf-8")
	hdr.Set("Cache-Control", "no-cache, no-transform")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := sess.Run(ctx, &sseWriter{w: w, rc: rc}); err != nil {
		log.Debug("event stream write failed", "error", err)
	}
}

// sseWriter flushes each frame to the client.
type sseWriter struct {
	w  io.Writer
	rc *http.ResponseController
}

func (s *sseWriter) Write(p []byte) (int, error) { return s.w.Write(p) }

func (s *sseWriter) Flush() { _ = s.rc.Flush() }
