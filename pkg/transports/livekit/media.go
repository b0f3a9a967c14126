package livekit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"

	"github.com/harunnryd/voxbridge/pkg/frames"
	"github.com/harunnryd/voxbridge/pkg/video"
)

const (
	opusClockRate = 48000
	vp8ClockRate  = 90000
	maxLate       = 128
)

// oggFrames turns each OggWriter page write into an audio frame.
type oggFrames struct {
	t    *Transport
	meta map[string]string
	key  string
}

func (w *oggFrames) Write(p []byte) (int, error) {
	meta := make(map[string]string, len(w.meta)+1)
	for k, v := range w.meta {
		meta[k] = v
	}
	meta[frames.MetaEncoding] = frames.EncodingOggOpus
	w.t.emit(frames.NewAudioFrame(w.key, w.t.pts.Next(w.key), append([]byte(nil), p...), opusClockRate, 1, meta))
	return len(p), nil
}

// readAudio repackages remote Opus RTP into an Ogg stream so STT providers
// that accept containerized audio can consume it without a local decoder.
func (t *Transport) readAudio(ctx context.Context, track *webrtc.TrackRemote, meta map[string]string) {
	defer t.wg.Done()
	log := t.log.With(slog.String("participant", meta[frames.MetaParticipant]), slog.String("track", meta[frames.MetaTrackSID]))
	if track.Codec().MimeType != webrtc.MimeTypeOpus {
		log.Warn("unsupported_audio_codec", slog.String("codec", track.Codec().MimeType))
		return
	}
	ogg, err := oggwriter.NewWith(&oggFrames{t: t, meta: meta, key: frames.SessionKey(meta)}, opusClockRate, 1)
	if err != nil {
		log.Error("ogg_writer_failed", slog.String("error", err.Error()))
		return
	}
	defer ogg.Close()

	for {
		if ctx.Err() != nil {
			return
		}
		_ = track.SetReadDeadline(time.Now().Add(5 * time.Second))
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return
			}
			if isTimeout(err) {
				continue
			}
			log.Debug("audio_read_error", slog.String("error", err.Error()))
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		if err := ogg.WriteRTP(pkt); err != nil {
			log.Debug("ogg_write_error", slog.String("error", err.Error()))
		}
	}
}

// readVideo rebuilds VP8 frames and decodes keyframes only, at most once per
// FrameInterval. Keyframes are requested with PLI on a fixed cadence.
func (t *Transport) readVideo(ctx context.Context, track *webrtc.TrackRemote, rp *lksdk.RemoteParticipant, meta map[string]string) {
	defer t.wg.Done()
	log := t.log.With(slog.String("participant", meta[frames.MetaParticipant]), slog.String("track", meta[frames.MetaTrackSID]))
	if track.Codec().MimeType != webrtc.MimeTypeVP8 {
		log.Warn("unsupported_video_codec", slog.String("codec", track.Codec().MimeType))
		return
	}
	key := frames.SessionKey(meta)
	sb := samplebuilder.New(maxLate, &codecs.VP8Packet{}, vp8ClockRate)
	ssrc := track.SSRC()
	rp.WritePLI(ssrc)
	lastPLI := time.Now()
	var lastFrame time.Time

	for {
		if ctx.Err() != nil {
			return
		}
		if time.Since(lastPLI) >= t.cfg.PLIInterval {
			rp.WritePLI(ssrc)
			lastPLI = time.Now()
		}
		_ = track.SetReadDeadline(time.Now().Add(time.Second))
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return
			}
			if isTimeout(err) {
				continue
			}
			log.Debug("video_read_error", slog.String("error", err.Error()))
			return
		}
		sb.Push(pkt)
		for sample := sb.Pop(); sample != nil; sample = sb.Pop() {
			if len(sample.Data) == 0 || !isVP8Keyframe(sample.Data) {
				continue
			}
			if time.Since(lastFrame) < t.cfg.FrameInterval {
				continue
			}
			img, err := video.DecodeVP8Keyframe(sample.Data)
			if err != nil {
				log.Debug("vp8_decode_failed", slog.String("error", err.Error()))
				continue
			}
			jpg, err := video.EncodeJPEG(img, 0)
			if err != nil {
				log.Debug("jpeg_encode_failed", slog.String("error", err.Error()))
				continue
			}
			now := time.Now()
			lastFrame = now
			b := img.Bounds()
			t.emit(frames.NewVideoFrame(key, t.pts.Next(key), b.Dx(), b.Dy(), frames.PixelJPEG, jpg, now, meta))
		}
	}
}

// isVP8Keyframe reads the P bit of the VP8 frame tag.
func isVP8Keyframe(b []byte) bool {
	return len(b) >= 3 && b[0]&0x01 == 0
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
