package metrics

// Event names emitted by sessions, providers and the LLM wrappers.
const (
	EventSessionStarted = "session_started"
	EventSessionEnded   = "session_ended"

	EventModeChanged      = "mode_changed"
	EventTurnBuffered     = "turn_buffered"
	EventTurnDispatched   = "turn_dispatched"
	EventTurnFailed       = "turn_failed"
	EventChatCleared      = "chat_cleared"
	EventVideoContext     = "video_context"
	EventViolation        = "instruction_violation"
	EventInstructionCheck = "instruction_check"

	EventLLMFirstToken = "llm_first_token"
	EventLLMDone       = "llm_done"
	EventTTSFirstAudio = "tts_first_audio"
	EventReplyDone     = "reply_done"
	EventBargeIn       = "barge_in"
	EventCodeBlock     = "code_block"
	EventStageLatency  = "stage_latency"

	EventRateLimit     = "rate_limit"
	EventBreakerDenied = "breaker_denied"
	EventBreakerOpen   = "breaker_open"
	EventBreakerClose  = "breaker_close"
)
