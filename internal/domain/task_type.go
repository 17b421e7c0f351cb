package domain

// TaskType identifies the kind of long-running operation a task performs.
type TaskType string

// Supported task types. Values are the wire representation.
const (
	TaskTypeImageCharacter        TaskType = "image_character"
	TaskTypeImageLocation         TaskType = "image_location"
	TaskTypeImagePanel            TaskType = "image_panel"
	TaskTypePanelVariant          TaskType = "panel_variant"
	TaskTypeModifyAssetImage      TaskType = "modify_asset_image"
	TaskTypeVideoPanel            TaskType = "video_panel"
	TaskTypeLipSync               TaskType = "lip_sync"
	TaskTypeVoiceLine             TaskType = "voice_line"
	TaskTypeVoiceDesign           TaskType = "voice_design"
	TaskTypeAnalyzeNovel          TaskType = "analyze_novel"
	TaskTypeStoryToScriptRun      TaskType = "story_to_script_run"
	TaskTypeScriptToStoryboardRun TaskType = "script_to_storyboard_run"
	TaskTypeAICreateCharacter     TaskType = "ai_create_character"
	TaskTypeAICreateLocation      TaskType = "ai_create_location"
	TaskTypeEpisodeSplitLLM       TaskType = "episode_split_llm"
)

// QueueKind groups task types that share a background work queue.
type QueueKind string

// Queue kinds.
const (
	QueueImage QueueKind = "image"
	QueueVideo QueueKind = "video"
	QueueVoice QueueKind = "voice"
	QueueText  QueueKind = "text"
)

// AllQueueKinds lists every queue kind in a stable order.
var AllQueueKinds = []QueueKind{QueueImage, QueueVideo, QueueVoice, QueueText}

var taskTypeQueues = map[TaskType]QueueKind{
	TaskTypeImageCharacter:        QueueImage,
	TaskTypeImageLocation:         QueueImage,
	TaskTypeImagePanel:            QueueImage,
	TaskTypePanelVariant:          QueueImage,
	TaskTypeModifyAssetImage:      QueueImage,
	TaskTypeVideoPanel:            QueueVideo,
	TaskTypeLipSync:               QueueVideo,
	TaskTypeVoiceLine:             QueueVoice,
	TaskTypeVoiceDesign:           QueueVoice,
	TaskTypeAnalyzeNovel:          QueueText,
	TaskTypeStoryToScriptRun:      QueueText,
	TaskTypeScriptToStoryboardRun: QueueText,
	TaskTypeAICreateCharacter:     QueueText,
	TaskTypeAICreateLocation:      QueueText,
	TaskTypeEpisodeSplitLLM:       QueueText,
}

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	_, ok := taskTypeQueues[t]
	return ok
}

// Queue returns the queue kind that executes tasks of type t.
// Unknown types return an empty QueueKind.
func (t TaskType) Queue() QueueKind {
	return taskTypeQueues[t]
}
