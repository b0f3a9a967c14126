package frames

// Metadata keys shared by transports, providers and sessions.
const (
	MetaStreamID    = "stream_id"
	MetaRoom        = "room"
	MetaParticipant = "participant"
	MetaTrackSID    = "track_sid"
	MetaTopic       = "topic"
	MetaSource      = "source"
	MetaReason      = "reason"
	MetaTraceID     = "trace_id"
	MetaIsFinal     = "is_final"
	MetaLanguage    = "language"
	MetaSpeechFinal = "speech_final"
	MetaEncoding    = "encoding"
)

// Audio payload encodings. Frames without MetaEncoding carry 16-bit PCM.
const (
	EncodingPCM16   = "pcm_s16le"
	EncodingOggOpus = "ogg_opus"
)

// Data channel topics used between the agent and room clients.
const (
	TopicChat         = ""
	TopicCode         = "code"
	TopicChatContext  = "chat_context"
	TopicAgentState   = "agent_state"
	TopicVideoContext = "video_context"
)

// SessionKey identifies one participant in one room.
func SessionKey(meta map[string]string) string {
	room := meta[MetaRoom]
	participant := meta[MetaParticipant]
	if participant == "" {
		return ""
	}
	return room + "/" + participant
}

// CloneMeta returns a copy of meta that is safe to modify.
func CloneMeta(meta map[string]string) map[string]string {
	return cloneMeta(meta)
}
