package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/harunnryd/voxbridge/pkg/store"
)

type fakeSessions []string

func (f fakeSessions) Count() int64   { return int64(len(f)) }
func (f fakeSessions) Keys() []string { return f }

type fakeTranscripts map[string][]store.Turn

func (f fakeTranscripts) Transcript(_ context.Context, session string) ([]store.Turn, error) {
	return f[session], nil
}

func get(t *testing.T, s *Server, target string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	if out != nil && rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s: %v (%s)", target, err, rec.Body.String())
		}
	}
	return rec.Code
}

func TestHealthz(t *testing.T) {
	healthy := true
	s := New(Config{}, Deps{Health: func() error {
		if healthy {
			return nil
		}
		return errors.New("draining")
	}})
	if code := get(t, s, "/healthz", nil); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	healthy = false
	if code := get(t, s, "/healthz", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", code)
	}
}

func TestTokenDefaults(t *testing.T) {
	var gotRoom, gotIdentity string
	s := New(Config{RoomURL: "ws://localhost:7880"}, Deps{Token: func(room, identity string) (string, error) {
		gotRoom, gotIdentity = room, identity
		return "jwt", nil
	}})
	var resp tokenResponse
	if code := get(t, s, "/token", &resp); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if gotRoom != "my-room" || gotIdentity != "You" {
		t.Fatalf("unexpected defaults room=%q identity=%q", gotRoom, gotIdentity)
	}
	if resp.Token != "jwt" || resp.URL != "ws://localhost:7880" {
		t.Fatalf("unexpected response %+v", resp)
	}

	get(t, s, "/token?identity=alice&room=lab", &resp)
	if gotRoom != "lab" || gotIdentity != "alice" {
		t.Fatalf("query params ignored: room=%q identity=%q", gotRoom, gotIdentity)
	}
}

func TestTokenFailure(t *testing.T) {
	s := New(Config{}, Deps{Token: func(string, string) (string, error) { return "", errors.New("no secret") }})
	if code := get(t, s, "/token", nil); code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", code)
	}
}

func TestSessionsAndTranscript(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := New(Config{}, Deps{
		Sessions: fakeSessions{"my-room/You"},
		Transcripts: fakeTranscripts{"my-room/You": {
			{Seq: 1, Role: "user", Text: "hello", Mode: "live", CreatedAt: now},
		}},
	})
	var sessions sessionsResponse
	get(t, s, "/sessions", &sessions)
	if sessions.Count != 1 || sessions.Sessions[0] != "my-room/You" {
		t.Fatalf("unexpected sessions %+v", sessions)
	}

	var turns []turnView
	if code := get(t, s, "/sessions/transcript?session=my-room/You", &turns); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(turns) != 1 || turns[0].Text != "hello" || turns[0].At != "2026-01-02T03:04:05Z" {
		t.Fatalf("unexpected transcript %+v", turns)
	}
	if code := get(t, s, "/sessions/transcript", nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 without session, got %d", code)
	}
}

func TestDisabledEndpoints(t *testing.T) {
	s := New(Config{}, Deps{})
	if code := get(t, s, "/token", nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 for token without issuer, got %d", code)
	}
}
