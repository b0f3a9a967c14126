package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonConfigInvalid       ReasonCode = "config_invalid"
	ReasonProviderUnsupported ReasonCode = "provider_unsupported"

	ReasonSTTConnect   ReasonCode = "stt_connect"
	ReasonSTTSend      ReasonCode = "stt_send"
	ReasonSTTRateLimit ReasonCode = "stt_rate_limit"

	ReasonTTSConnect   ReasonCode = "tts_connect"
	ReasonTTSSend      ReasonCode = "tts_send"
	ReasonTTSRateLimit ReasonCode = "tts_rate_limit"

	ReasonLLMStream      ReasonCode = "llm_stream"
	ReasonLLMRateLimit   ReasonCode = "llm_rate_limit"
	ReasonLLMCircuitOpen ReasonCode = "llm_circuit_open"

	ReasonVideoDecode      ReasonCode = "video_decode"
	ReasonInstructionCheck ReasonCode = "instruction_check"

	ReasonTransportConnect ReasonCode = "transport_connect"
	ReasonTransportSend    ReasonCode = "transport_send"

	ReasonStoreWrite   ReasonCode = "store_write"
	ReasonEventPublish ReasonCode = "event_publish"
)
