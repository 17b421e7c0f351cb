package domain

// SideEffect records the outcome of a best-effort step that does not decide
// the result of the primary operation.
type SideEffect struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Side effect names reported by task operations.
const (
	SideEffectQueueCleanup = "queue_cleanup"
	SideEffectPublish      = "publish_event"
)

// NewSideEffect builds a SideEffect from an error result.
func NewSideEffect(name string, err error) SideEffect {
	if err != nil {
		return SideEffect{Name: name, OK: false, Error: err.Error()}
	}
	return SideEffect{Name: name, OK: true}
}
