package frames

import (
	"sync"
	"time"
)

type Kind string

const (
	KindAudio   Kind = "audio"
	KindText    Kind = "text"
	KindControl Kind = "control"
	KindSystem  Kind = "system"
	KindVideo   Kind = "video"
)

type ControlCode string

const (
	ControlCancel ControlCode = "cancel"
	ControlFlush  ControlCode = "flush"
)

// System frame names emitted by room transports.
const (
	SystemParticipantJoined = "participant_joined"
	SystemParticipantLeft   = "participant_left"
	SystemVideoSubscribed   = "video_subscribed"
	SystemVideoUnsubscribed = "video_unsubscribed"
	SystemVideoMuted        = "video_muted"
	SystemVideoUnmuted      = "video_unmuted"
)

type Frame interface {
	Kind() Kind
	PTS() int64
	Meta() map[string]string
}

type AudioFrame struct {
	pts    int64
	data   []byte
	rate   int
	ch     int
	meta   map[string]string
	pooled bool
}

func NewAudioFrame(streamID string, pts int64, data []byte, rate, ch int, meta map[string]string) AudioFrame {
	return AudioFrame{
		pts:  pts,
		data: data,
		rate: rate,
		ch:   ch,
		meta: mergeMeta(streamID, meta),
	}
}

// NewAudioFrameFromPool copies data into a pooled buffer. Release with ReleaseAudioFrame.
func NewAudioFrameFromPool(streamID string, pts int64, data []byte, rate, ch int, meta map[string]string) AudioFrame {
	buf := AcquireAudioBuf(len(data))
	copy(buf, data)
	return AudioFrame{
		pts:    pts,
		data:   buf,
		rate:   rate,
		ch:     ch,
		meta:   mergeMeta(streamID, meta),
		pooled: true,
	}
}

func (a AudioFrame) Kind() Kind              { return KindAudio }
func (a AudioFrame) PTS() int64              { return a.pts }
func (a AudioFrame) Meta() map[string]string { return cloneMeta(a.meta) }
func (a AudioFrame) Data() []byte            { return append([]byte(nil), a.data...) }
func (a AudioFrame) RawPayload() []byte      { return a.data }
func (a AudioFrame) Rate() int               { return a.rate }
func (a AudioFrame) Channels() int           { return a.ch }

// PCM16 interprets the payload as little-endian signed 16-bit samples.
func (a AudioFrame) PCM16() []int16 {
	out := make([]int16, len(a.data)/2)
	for i := range out {
		out[i] = int16(uint16(a.data[2*i]) | uint16(a.data[2*i+1])<<8)
	}
	return out
}

func ReleaseAudioFrame(f Frame) bool {
	af, ok := f.(AudioFrame)
	if !ok {
		if ap, ok := f.(*AudioFrame); ok {
			af = *ap
		} else {
			return false
		}
	}
	if af.pooled {
		ReleaseAudioBuf(af.data)
		return true
	}
	return false
}

type TextFrame struct {
	pts  int64
	text string
	meta map[string]string
}

func NewTextFrame(streamID string, pts int64, text string, meta map[string]string) TextFrame {
	return TextFrame{
		pts:  pts,
		text: text,
		meta: mergeMeta(streamID, meta),
	}
}

func (t TextFrame) Kind() Kind              { return KindText }
func (t TextFrame) PTS() int64              { return t.pts }
func (t TextFrame) Meta() map[string]string { return cloneMeta(t.meta) }
func (t TextFrame) Text() string            { return t.text }

// Topic returns the data channel topic the text travelled on, empty for chat.
func (t TextFrame) Topic() string { return t.meta[MetaTopic] }

type ControlFrame struct {
	pts  int64
	code ControlCode
	meta map[string]string
}

func NewControlFrame(streamID string, pts int64, code ControlCode, meta map[string]string) ControlFrame {
	return ControlFrame{
		pts:  pts,
		code: code,
		meta: mergeMeta(streamID, meta),
	}
}

func (c ControlFrame) Kind() Kind              { return KindControl }
func (c ControlFrame) PTS() int64              { return c.pts }
func (c ControlFrame) Meta() map[string]string { return cloneMeta(c.meta) }
func (c ControlFrame) Code() ControlCode       { return c.code }

type SystemFrame struct {
	pts  int64
	name string
	meta map[string]string
}

func NewSystemFrame(streamID string, pts int64, name string, meta map[string]string) SystemFrame {
	return SystemFrame{
		pts:  pts,
		name: name,
		meta: mergeMeta(streamID, meta),
	}
}

func (s SystemFrame) Kind() Kind              { return KindSystem }
func (s SystemFrame) PTS() int64              { return s.pts }
func (s SystemFrame) Meta() map[string]string { return cloneMeta(s.meta) }
func (s SystemFrame) Name() string            { return s.name }

type PixelFormat string

const (
	PixelJPEG PixelFormat = "jpeg"
	PixelRGBA PixelFormat = "rgba"
	PixelI420 PixelFormat = "i420"
)

// VideoFrame is one still image sampled from a remote video track.
// Timestamp is monotonic per track.
type VideoFrame struct {
	pts       int64
	width     int
	height    int
	format    PixelFormat
	data      []byte
	timestamp time.Time
	meta      map[string]string
}

func NewVideoFrame(streamID string, pts int64, width, height int, format PixelFormat, data []byte, ts time.Time, meta map[string]string) VideoFrame {
	return VideoFrame{
		pts:       pts,
		width:     width,
		height:    height,
		format:    format,
		data:      data,
		timestamp: ts,
		meta:      mergeMeta(streamID, meta),
	}
}

func (v VideoFrame) Kind() Kind              { return KindVideo }
func (v VideoFrame) PTS() int64              { return v.pts }
func (v VideoFrame) Meta() map[string]string { return cloneMeta(v.meta) }
func (v VideoFrame) Width() int              { return v.width }
func (v VideoFrame) Height() int             { return v.height }
func (v VideoFrame) Format() PixelFormat     { return v.format }
func (v VideoFrame) Data() []byte            { return append([]byte(nil), v.data...) }
func (v VideoFrame) RawPayload() []byte      { return v.data }
func (v VideoFrame) Timestamp() time.Time    { return v.timestamp }
func (v VideoFrame) IsZero() bool            { return v.timestamp.IsZero() && len(v.data) == 0 }

type PTSGen struct {
	mu    sync.Mutex
	value map[string]int64
}

func NewPTSGen() *PTSGen {
	return &PTSGen{value: make(map[string]int64)}
}

func (g *PTSGen) Next(streamID string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	v := g.value[streamID] + time.Millisecond.Nanoseconds()
	g.value[streamID] = v
	return v
}

var audioBufPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 4096)
	},
}

func AcquireAudioBuf(size int) []byte {
	b := audioBufPool.Get().([]byte)
	if cap(b) < size {
		return make([]byte, size)
	}
	return b[:size]
}

func ReleaseAudioBuf(b []byte) {
	audioBufPool.Put(b[:0])
}

func mergeMeta(streamID string, meta map[string]string) map[string]string {
	out := make(map[string]string, 2+len(meta))
	if streamID != "" {
		out[MetaStreamID] = streamID
	}
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func cloneMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
