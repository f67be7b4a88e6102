package backend_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/parlance/internal/backend"
	"github.com/MrWong99/parlance/internal/observe"
	"github.com/MrWong99/parlance/internal/resilience"
	"github.com/MrWong99/parlance/pkg/audio/wav"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// newServer serves the voice API under /api and returns its base URL.
func newServer(t *testing.T, mux *http.ServeMux) string {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv.URL + "/api"
}

func newClient(t *testing.T, base string, opts ...backend.Option) *backend.Client {
	t.Helper()
	c, err := backend.New(base, append([]backend.Option{backend.WithMetrics(testMetrics(t))}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestRecognize(t *testing.T) {
	t.Parallel()
	clip := wav.Encode(make([]byte, 3200), 16000, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/voice/recognize", func(w http.ResponseWriter, r *http.Request) {
		f, hdr, err := r.FormFile("audio")
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "no audio"})
			return
		}
		data, _ := io.ReadAll(f)
		if hdr.Filename != "utterance.wav" || !wav.IsWAV(data) || len(data) != len(clip) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "bad upload"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "text": "hello there"})
	})

	text, err := newClient(t, newServer(t, mux)).Recognize(context.Background(), clip)
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if text != "hello there" {
		t.Errorf("text = %q", text)
	}
}

func TestSynthesizeAndFetch(t *testing.T) {
	t.Parallel()
	audio := wav.Encode(make([]byte, 320), 16000, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/voice/synthesize", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Text        string `json:"text"`
			CharacterID string `json:"character_id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Text != "hi" || req.CharacterID != "sherlock" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "bad request"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "audio_url": "/static/audio/reply.wav"})
	})
	mux.HandleFunc("GET /static/audio/reply.wav", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(audio)
	})

	c := newClient(t, newServer(t, mux))
	ref, err := c.Synthesize(context.Background(), "hi", "sherlock")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	data, err := c.Fetch(context.Background(), ref)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(data) != len(audio) {
		t.Errorf("fetched %d bytes, want %d", len(data), len(audio))
	}
}

func TestStartRealtime(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/realtime/start", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"success":       true,
			"websocket_url": "ws://localhost:8765",
			"character":     map[string]any{"id": 7, "name": "Sherlock"},
		})
	})

	rt, err := newClient(t, newServer(t, mux)).StartRealtime(context.Background(), "7")
	if err != nil {
		t.Fatalf("StartRealtime: %v", err)
	}
	if rt.WebSocketURL != "ws://localhost:8765" || rt.Character.ID != "7" || rt.Character.Name != "Sherlock" {
		t.Errorf("realtime = %+v", rt)
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/realtime/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"status":  map[string]any{"websockets_available": true, "server_running": false},
		})
	})

	st, err := newClient(t, newServer(t, mux)).Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.WebSocketsAvailable || st.ServerRunning {
		t.Errorf("status = %+v", st)
	}
}

func TestVoiceConfig(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/voice/config/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "sherlock" || r.URL.Query().Get("voice_type") != "male" {
			writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "no such persona"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "config": map[string]any{
			"voice_speaker":    "zh_male_1",
			"speaking_style":   "calm",
			"available_voices": []any{"zh_male_1", map[string]any{"name": "zh_female_1"}},
		}})
	})

	c := newClient(t, newServer(t, mux))
	vc, err := c.VoiceConfig(context.Background(), "sherlock", "male")
	if err != nil {
		t.Fatalf("VoiceConfig: %v", err)
	}
	if vc.Speaker != "zh_male_1" || vc.SpeakingStyle != "calm" || len(vc.AvailableVoices) != 2 {
		t.Errorf("config = %+v", vc)
	}
	if vc.Raw["voice_speaker"] != "zh_male_1" {
		t.Error("raw config not preserved")
	}

	_, err = c.VoiceConfig(context.Background(), "moriarty", "male")
	if !errors.Is(err, backend.ErrRemote) {
		t.Errorf("err = %v, want ErrRemote", err)
	}
}

func TestRemoteRejectionDoesNotFailOver(t *testing.T) {
	t.Parallel()
	var fallbackHits atomic.Int32

	primary := http.NewServeMux()
	primary.HandleFunc("POST /api/voice/synthesize", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "text must not be empty"})
	})
	fallback := http.NewServeMux()
	fallback.HandleFunc("POST /api/voice/synthesize", func(w http.ResponseWriter, _ *http.Request) {
		fallbackHits.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "audio_url": "/x.mp3"})
	})

	c := newClient(t, newServer(t, primary),
		backend.WithFallbacks(newServer(t, fallback)),
		backend.WithBreaker(resilience.BreakerConfig{MaxFailures: 1}),
	)
	for range 3 {
		_, err := c.Synthesize(context.Background(), "", "")
		if !errors.Is(err, backend.ErrRemote) {
			t.Fatalf("err = %v, want ErrRemote", err)
		}
	}
	if n := fallbackHits.Load(); n != 0 {
		t.Errorf("fallback hit %d times on an application rejection", n)
	}
	for name, state := range c.Endpoints() {
		if state != resilience.StateClosed {
			t.Errorf("endpoint %s = %v, want closed", name, state)
		}
	}
}

func TestServerErrorFailsOver(t *testing.T) {
	t.Parallel()
	var primaryHits atomic.Int32

	primary := http.NewServeMux()
	primary.HandleFunc("POST /api/voice/recognize", func(w http.ResponseWriter, _ *http.Request) {
		primaryHits.Add(1)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "model crashed"})
	})
	fallback := http.NewServeMux()
	fallback.HandleFunc("POST /api/voice/recognize", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "text": "from fallback"})
	})

	c := newClient(t, newServer(t, primary),
		backend.WithFallbacks(newServer(t, fallback)),
		backend.WithBreaker(resilience.BreakerConfig{MaxFailures: 2}),
	)
	for range 4 {
		text, err := c.Recognize(context.Background(), wav.Encode(nil, 16000, 1))
		if err != nil || text != "from fallback" {
			t.Fatalf("got %q, %v", text, err)
		}
	}
	if n := primaryHits.Load(); n != 2 {
		t.Errorf("primary hit %d times, want 2 before its breaker opened", n)
	}
}

func TestAllEndpointsDown(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := newClient(t, newServer(t, mux)).StartRealtime(context.Background(), "1")
	if !errors.Is(err, resilience.ErrAllFailed) || !errors.Is(err, backend.ErrRemote) {
		t.Errorf("err = %v, want ErrAllFailed wrapping ErrRemote", err)
	}
}

func TestNewRejectsBadBase(t *testing.T) {
	t.Parallel()
	for _, base := range []string{"", "ftp://x", "://"} {
		if _, err := backend.New(base); err == nil {
			t.Errorf("New(%q) succeeded", base)
		}
	}
}
