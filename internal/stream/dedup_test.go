package stream

import (
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskflow/internal/domain"
	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestDeduper(window time.Duration, max int) (*Deduper, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	d := NewDeduper(window, max)
	d.now = clock.Now
	return d, clock
}

func progressEvent(id string, taskID uuid.UUID, stage string, progress int) *domain.LifecycleEvent {
	return &domain.LifecycleEvent{
		ID:     id,
		Type:   domain.EventTypeLifecycle,
		TaskID: taskID,
		Payload: domain.ProcessingPayload{StageInfo: domain.StageInfo{
			Stage:          stage,
			FlowStageIndex: 1,
			FlowStageTotal: 2,
			Progress:       domain.IntPtr(progress),
		}},
	}
}

func TestDeduper(t *testing.T) {
	task := uuid.New()

	tests := []struct {
		name   string
		first  *domain.LifecycleEvent
		second *domain.LifecycleEvent
		wait   time.Duration
		dup    bool
	}{
		{
			name:   "same id",
			first:  progressEvent("5", task, "render", 40),
			second: progressEvent("5", task, "render", 40),
			dup:    true,
		},
		{
			name:   "same id long after the window",
			first:  progressEvent("5", task, "render", 40),
			second: progressEvent("5", task, "upload", 90),
			wait:   time.Hour,
			dup:    true,
		},
		{
			name:   "same fingerprint different id",
			first:  progressEvent("5", task, "render", 40),
			second: progressEvent("9", task, "render", 40),
			dup:    true,
		},
		{
			name:   "same fingerprint after the window",
			first:  progressEvent("5", task, "render", 40),
			second: progressEvent("9", task, "render", 40),
			wait:   11 * time.Second,
		},
		{
			name:   "different progress",
			first:  progressEvent("5", task, "render", 40),
			second: progressEvent("6", task, "render", 41),
		},
		{
			name:   "different task",
			first:  progressEvent("5", task, "render", 40),
			second: progressEvent("6", uuid.New(), "render", 40),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d, clock := newTestDeduper(10*time.Second, 100)
			assert.False(t, d.Seen(tc.first))
			clock.now = clock.now.Add(tc.wait)
			assert.Equal(t, tc.dup, d.Seen(tc.second))
		})
	}
}

func TestDeduper_BoundedMemory(t *testing.T) {
	d, clock := newTestDeduper(time.Minute, 3)
	task := uuid.New()

	for i := 1; i <= 10; i++ {
		assert.False(t, d.Seen(progressEvent(strconv.Itoa(i), task, "render", i)))
		clock.now = clock.now.Add(time.Millisecond)
	}
	ids, prints := d.Len()
	assert.Equal(t, 3, ids)
	assert.Equal(t, 3, prints)

	// The oldest entries were evicted; the newest are still remembered.
	assert.False(t, d.Seen(progressEvent("1", task, "render", 1)))
	assert.True(t, d.Seen(progressEvent("10", task, "render", 10)))
}

func TestDeduper_WindowExpiry(t *testing.T) {
	d, clock := newTestDeduper(10*time.Second, 100)
	task := uuid.New()

	d.Seen(progressEvent("1", task, "render", 1))
	d.Seen(progressEvent("2", task, "render", 2))
	clock.now = clock.now.Add(11 * time.Second)
	d.Seen(progressEvent("3", task, "render", 3))

	ids, prints := d.Len()
	assert.Equal(t, 3, ids)
	assert.Equal(t, 1, prints)
}

func TestNewDeduper_Defaults(t *testing.T) {
	d := NewDeduper(0, -1)
	assert.Equal(t, DefaultDedupWindow, d.window)
	assert.Equal(t, DefaultDedupMaxEntries, d.maxEntries)
}

func TestFingerprint(t *testing.T) {
	task := uuid.New()
	a := progressEvent("1", task, "render", 40)
	b := progressEvent("2", task, "render", 40)
	assert.Equal(t, Fingerprint(a), Fingerprint(b))

	noProgress := &domain.LifecycleEvent{TaskID: task, Payload: domain.CreatedPayload{}}
	zero := &domain.LifecycleEvent{TaskID: task, Payload: domain.CreatedPayload{StageInfo: domain.StageInfo{Progress: domain.IntPtr(0)}}}
	assert.NotEqual(t, Fingerprint(noProgress), Fingerprint(zero))

	// Quoting keeps separators inside stage names from colliding.
	c := progressEvent("3", task, "a|b", 1)
	c.Payload = domain.ProcessingPayload{StageInfo: domain.StageInfo{Stage: "a|b", StepID: "c"}}
	e := progressEvent("4", task, "a", 1)
	e.Payload = domain.ProcessingPayload{StageInfo: domain.StageInfo{Stage: "a", StepID: "b|c"}}
	assert.NotEqual(t, Fingerprint(c), Fingerprint(e))

	assert.NotPanics(t, func() { Fingerprint(&domain.LifecycleEvent{}) })
}
