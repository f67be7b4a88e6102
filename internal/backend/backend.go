// Package backend is the REST client for the persona voice service.
//
// The service exposes recognition, synthesis, per-persona voice configuration
// and the realtime session bootstrap under a common base URL (for example
// http://localhost:5000/api). Every response is a JSON object with a
// "success" flag and either the payload or an "error" message.
//
// Several base URLs may be configured. They form a [resilience.Failover]: each
// endpoint sits behind its own circuit breaker and a failing endpoint is
// skipped in favour of the next one. Application-level rejections
// ("success": false with a 4xx or 2xx status) are answers, not outages, and
// are returned immediately as [ErrRemote].
//
// Usage:
//
//	c, err := backend.New("http://localhost:5000/api",
//	    backend.WithFallbacks("http://backup:5000/api"),
//	)
//	text, err := c.Recognize(ctx, clip.Data)
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/parlance/internal/observe"
	"github.com/MrWong99/parlance/internal/resilience"
	"github.com/MrWong99/parlance/pkg/audio/playback"
	"github.com/MrWong99/parlance/pkg/transport"
)

// ErrRemote is wrapped by errors the service reported in its response body.
var ErrRemote = errors.New("backend: remote error")

const (
	defaultTimeout = 30 * time.Second

	// maxResponseBytes bounds JSON bodies; audio fetched through Fetch uses
	// maxAudioBytes.
	maxResponseBytes = 1 << 20
	maxAudioBytes    = 64 << 20
)

// Option is a functional option for configuring a [Client].
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Its Timeout, if any,
// applies on top of [WithTimeout].
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithTimeout bounds each REST call. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithFallbacks registers additional base URLs tried after the primary.
func WithFallbacks(baseURLs ...string) Option {
	return func(c *Client) { c.fallbacks = append(c.fallbacks, baseURLs...) }
}

// WithBreaker sets the circuit breaker template applied to every endpoint.
func WithBreaker(cfg resilience.BreakerConfig) Option {
	return func(c *Client) { c.breaker = cfg }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client talks to the voice service. It is safe for concurrent use.
type Client struct {
	hc        *http.Client
	timeout   time.Duration
	fallbacks []string
	breaker   resilience.BreakerConfig
	metrics   *observe.Metrics

	endpoints *resilience.Failover[*url.URL]
}

// New creates a Client for baseURL and any fallbacks given as options.
func New(baseURL string, opts ...Option) (*Client, error) {
	c := &Client{
		hc:      &http.Client{},
		timeout: defaultTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}

	primary, err := parseBase(baseURL)
	if err != nil {
		return nil, err
	}
	cfg := c.breaker
	userHook := cfg.OnStateChange
	cfg.OnStateChange = func(name string, from, to resilience.State) {
		c.metrics.RecordCircuitTransition(context.Background(), name, to.String())
		if userHook != nil {
			userHook(name, from, to)
		}
	}
	c.endpoints = resilience.NewFailover(primary.String(), primary, cfg)
	for _, raw := range c.fallbacks {
		u, err := parseBase(raw)
		if err != nil {
			return nil, err
		}
		c.endpoints.Add(u.String(), u)
	}
	return c, nil
}

func parseBase(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, errors.New("backend: base URL must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("backend: parse base URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend: base URL %q: scheme must be http or https", raw)
	}
	return u, nil
}

// ─── Operations ───────────────────────────────────────────────────────────────

// Realtime is the bootstrap information for a realtime voice session.
type Realtime struct {
	WebSocketURL string
	Character    transport.Character
}

// VoiceConfig is the per-persona voice configuration.
type VoiceConfig struct {
	Speaker         string
	SpeakingStyle   string
	AvailableVoices []string

	// Raw is the configuration object as returned by the service. It is
	// forwarded verbatim in start_voice_session.
	Raw map[string]any
}

// Status describes the realtime subsystem of the service.
type Status struct {
	WebSocketsAvailable bool `json:"websockets_available"`
	ServerRunning       bool `json:"server_running"`
}

// Recognize uploads one encoded utterance and returns the recognised text.
func (c *Client) Recognize(ctx context.Context, clip []byte) (string, error) {
	var out struct {
		Text string `json:"text"`
	}
	err := c.call(ctx, "recognize", func(ctx context.Context, base *url.URL) error {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		fw, err := mw.CreateFormFile("audio", "utterance.wav")
		if err != nil {
			return fmt.Errorf("create form file: %w", err)
		}
		if _, err := fw.Write(clip); err != nil {
			return fmt.Errorf("write audio: %w", err)
		}
		if err := mw.Close(); err != nil {
			return fmt.Errorf("close multipart writer: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base.JoinPath("voice", "recognize").String(), &body)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return c.doJSON(req, &out)
	})
	if err != nil {
		return "", fmt.Errorf("backend: recognize: %w", err)
	}
	return out.Text, nil
}

// Synthesize renders text in the persona's voice and returns the audio URL.
func (c *Client) Synthesize(ctx context.Context, text, personaID string) (string, error) {
	payload := map[string]string{"text": text}
	if personaID != "" {
		payload["character_id"] = personaID
	}
	var out struct {
		AudioURL string `json:"audio_url"`
	}
	err := c.call(ctx, "synthesize", func(ctx context.Context, base *url.URL) error {
		req, err := newJSONRequest(ctx, http.MethodPost, base.JoinPath("voice", "synthesize"), payload)
		if err != nil {
			return err
		}
		return c.doJSON(req, &out)
	})
	if err != nil {
		return "", fmt.Errorf("backend: synthesize: %w", err)
	}
	return out.AudioURL, nil
}

// StartRealtime asks the service for the WebSocket endpoint of a realtime
// session with personaID.
func (c *Client) StartRealtime(ctx context.Context, personaID string) (Realtime, error) {
	var out struct {
		WebSocketURL string              `json:"websocket_url"`
		Character    transport.Character `json:"character"`
	}
	err := c.call(ctx, "realtime_start", func(ctx context.Context, base *url.URL) error {
		req, err := newJSONRequest(ctx, http.MethodPost, base.JoinPath("realtime", "start"),
			map[string]string{"character_id": personaID})
		if err != nil {
			return err
		}
		return c.doJSON(req, &out)
	})
	if err != nil {
		return Realtime{}, fmt.Errorf("backend: start realtime: %w", err)
	}
	if out.WebSocketURL == "" {
		return Realtime{}, fmt.Errorf("backend: start realtime: %w: empty websocket_url", ErrRemote)
	}
	return Realtime{WebSocketURL: out.WebSocketURL, Character: out.Character}, nil
}

// VoiceConfig fetches the voice configuration of personaID. voiceType selects
// the voice family; empty leaves the choice to the service.
func (c *Client) VoiceConfig(ctx context.Context, personaID, voiceType string) (VoiceConfig, error) {
	var out struct {
		Config map[string]any `json:"config"`
	}
	err := c.call(ctx, "voice_config", func(ctx context.Context, base *url.URL) error {
		u := base.JoinPath("voice", "config", personaID)
		if voiceType != "" {
			u.RawQuery = url.Values{"voice_type": {voiceType}}.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return err
		}
		return c.doJSON(req, &out)
	})
	if err != nil {
		return VoiceConfig{}, fmt.Errorf("backend: voice config: %w", err)
	}

	vc := VoiceConfig{Raw: out.Config}
	vc.Speaker, _ = out.Config["voice_speaker"].(string)
	vc.SpeakingStyle, _ = out.Config["speaking_style"].(string)
	if voices, ok := out.Config["available_voices"].([]any); ok {
		for _, v := range voices {
			switch v := v.(type) {
			case string:
				vc.AvailableVoices = append(vc.AvailableVoices, v)
			case map[string]any:
				if name, ok := v["name"].(string); ok {
					vc.AvailableVoices = append(vc.AvailableVoices, name)
				}
			}
		}
	}
	return vc, nil
}

// Status reports whether the service can host realtime sessions.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var out struct {
		Status Status `json:"status"`
	}
	err := c.call(ctx, "realtime_status", func(ctx context.Context, base *url.URL) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.JoinPath("realtime", "status").String(), nil)
		if err != nil {
			return err
		}
		return c.doJSON(req, &out)
	})
	if err != nil {
		return Status{}, fmt.Errorf("backend: status: %w", err)
	}
	return out.Status, nil
}

// Fetch downloads the audio behind ref. Absolute URLs are fetched as-is;
// relative references resolve against each endpoint in failover order.
func (c *Client) Fetch(ctx context.Context, ref string) ([]byte, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("backend: fetch: parse %q: %w", ref, err)
	}

	var data []byte
	get := func(ctx context.Context, target *url.URL) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
		if err != nil {
			return err
		}
		data, err = c.doRaw(req)
		return err
	}

	if u.IsAbs() {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		start := time.Now()
		err = get(ctx, u)
		c.metrics.RecordBackendCall(ctx, "fetch", u.Host, time.Since(start), err)
	} else {
		err = c.call(ctx, "fetch", func(ctx context.Context, base *url.URL) error {
			return get(ctx, base.ResolveReference(u))
		})
	}
	if err != nil {
		return nil, fmt.Errorf("backend: fetch %s: %w", ref, err)
	}
	return data, nil
}

// Endpoints returns the configured base URLs with their breaker state, for
// readiness reporting.
func (c *Client) Endpoints() map[string]resilience.State {
	out := make(map[string]resilience.State)
	for _, e := range c.endpoints.Endpoints() {
		out[e.Name] = e.Breaker.State()
	}
	return out
}

// ─── Plumbing ─────────────────────────────────────────────────────────────────

// call runs fn through the failover group inside a client span, recording one
// duration sample per attempted endpoint.
func (c *Client) call(ctx context.Context, op string, fn func(context.Context, *url.URL) error) error {
	ctx, span := observe.StartSpan(ctx, "backend."+op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	_, err := resilience.Do(ctx, c.endpoints, func(ctx context.Context, base *url.URL) (struct{}, error) {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		start := time.Now()
		err := fn(ctx, base)
		c.metrics.RecordBackendCall(ctx, op, base.String(), time.Since(start), err)
		span.AddEvent("attempt", trace.WithAttributes(
			attribute.String("endpoint", base.String()),
			attribute.Bool("ok", err == nil),
		))
		return struct{}{}, err
	})
	if err != nil {
		observe.Fail(span, err)
		observe.Logger(ctx).Debug("backend: call failed", "op", op, "err", err)
	}
	return err
}

// envelope is the common response wrapper.
type envelope struct {
	Success *bool  `json:"success"`
	Error   string `json:"error"`
}

// doJSON executes req and decodes a success envelope into out. Rejections
// that are the caller's fault are marked permanent so that they neither trip
// a breaker nor fail over.
func (c *Client) doJSON(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	jsonErr := json.Unmarshal(data, &env)
	failed := resp.StatusCode >= 400 || (jsonErr == nil && env.Success != nil && !*env.Success)

	if failed {
		msg := env.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		rerr := fmt.Errorf("%w: HTTP %d: %s", ErrRemote, resp.StatusCode, msg)
		if resp.StatusCode >= 500 {
			return rerr
		}
		return resilience.Permanent(rerr)
	}
	if jsonErr != nil {
		return fmt.Errorf("parse response: %w", jsonErr)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func (c *Client) doRaw(req *http.Request) ([]byte, error) {
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("%w: HTTP %d", ErrRemote, resp.StatusCode)
		if resp.StatusCode == http.StatusNotFound {
			return nil, resilience.Permanent(err)
		}
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return data, nil
}

func newJSONRequest(ctx context.Context, method string, u *url.URL, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// Compile-time interface assertion.
var _ playback.Fetcher = (*Client)(nil)
