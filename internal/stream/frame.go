package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/phrazzld/taskflow/internal/domain"
)

// HeartbeatEvent names the keep-alive frame.
const HeartbeatEvent = "heartbeat"

// FlushWriter is an io.Writer whose buffered output can be pushed to the
// client, as implemented by streaming http.ResponseWriters.
type FlushWriter interface {
	io.Writer
	Flush()
}

// WriteEvent writes ev as one SSE frame. Only durable events carry an id
// line, so ephemeral ids never become a client's reconnect cursor.
func WriteEvent(w io.Writer, ev *domain.LifecycleEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.ID, err)
	}

	var b strings.Builder
	if _, ok := ev.Seq(); ok {
		b.WriteString("id: ")
		b.WriteString(ev.ID)
		b.WriteByte('\n')
	}
	b.WriteString("event: ")
	b.WriteString(string(ev.Type))
	b.WriteString("\ndata: ")
	b.Write(data)
	b.WriteString("\n\n")

	_, err = io.WriteString(w, b.String())
	return err
}

// WriteHeartbeat writes a keep-alive frame stamped with at.
func WriteHeartbeat(w io.Writer, at time.Time) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: {\"ts\":%q}\n\n", HeartbeatEvent, at.UTC().Format(time.RFC3339Nano))
	return err
}
