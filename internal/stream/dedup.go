package stream

import (
	"fmt"
	"strconv"
	"time"

	"github.com/phrazzld/taskflow/internal/domain"
)

// Dedup defaults.
const (
	DefaultDedupWindow     = 10 * time.Second
	DefaultDedupMaxEntries = 2048
)

// Fingerprint identifies an event by the task's lifecycle position rather
// than by its id.
func Fingerprint(ev *domain.LifecycleEvent) string {
	var (
		stage    domain.StageInfo
		progress = "-"
	)
	if ev.Payload != nil {
		stage = ev.Payload.StageOf()
	}
	if stage.Progress != nil {
		progress = strconv.Itoa(*stage.Progress)
	}
	return fmt.Sprintf("%s|%s|%q|%q|%d|%d|%s",
		ev.TaskID,
		ev.LifecycleType(),
		stage.Stage,
		stage.StepID,
		stage.FlowStageIndex,
		stage.FlowStageTotal,
		progress)
}

type seenEntry struct {
	key string
	at  time.Time
}

// Deduper remembers recently emitted events. An event is a duplicate when
// its id was emitted before, or when an event with the same fingerprint was
// emitted within the window. The first instance wins. Both sets hold at
// most maxEntries keys, oldest evicted first. A Deduper is not safe for
// concurrent use.
type Deduper struct {
	window     time.Duration
	maxEntries int
	now        func() time.Time

	ids      map[string]struct{}
	idOrder  []string
	prints   map[string]time.Time
	printLog []seenEntry
}

// NewDeduper creates a Deduper. Non-positive arguments select the defaults.
func NewDeduper(window time.Duration, maxEntries int) *Deduper {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	if maxEntries <= 0 {
		maxEntries = DefaultDedupMaxEntries
	}
	return &Deduper{
		window:     window,
		maxEntries: maxEntries,
		now:        time.Now,
		ids:        make(map[string]struct{}),
		prints:     make(map[string]time.Time),
	}
}

// Seen reports whether ev duplicates an earlier event, recording it if not.
func (d *Deduper) Seen(ev *domain.LifecycleEvent) bool {
	now := d.now()
	d.expire(now)

	if ev.ID != "" {
		if _, ok := d.ids[ev.ID]; ok {
			return true
		}
	}
	fp := Fingerprint(ev)
	if _, ok := d.prints[fp]; ok {
		return true
	}

	if ev.ID != "" {
		d.ids[ev.ID] = struct{}{}
		d.idOrder = append(d.idOrder, ev.ID)
		for len(d.idOrder) > d.maxEntries {
			delete(d.ids, d.idOrder[0])
			d.idOrder = d.idOrder[1:]
		}
	}
	d.prints[fp] = now
	d.printLog = append(d.printLog, seenEntry{key: fp, at: now})
	for len(d.printLog) > d.maxEntries {
		d.dropOldestPrint()
	}
	return false
}

// Len returns the number of remembered ids and fingerprints.
func (d *Deduper) Len() (ids, fingerprints int) {
	return len(d.ids), len(d.prints)
}

func (d *Deduper) expire(now time.Time) {
	cutoff := now.Add(-d.window)
	for len(d.printLog) > 0 && !d.printLog[0].at.After(cutoff) {
		d.dropOldestPrint()
	}
}

func (d *Deduper) dropOldestPrint() {
	oldest := d.printLog[0]
	d.printLog = d.printLog[1:]
	if at, ok := d.prints[oldest.key]; ok && at.Equal(oldest.at) {
		delete(d.prints, oldest.key)
	}
}
