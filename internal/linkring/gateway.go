package linkring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

const maxRequestBody = 64 << 10

// Checker is what the gateway needs from the Coordinator.
type Checker interface {
	Check(ctx context.Context, rawURL string) Outcome
}

// Gateway is the message boundary between the extension UI and the
// Coordinator: one request carrying a URL in, one Outcome out.
type Gateway struct {
	checker     Checker
	creds       CredentialStore
	settings    SettingsStore
	allowOrigin string
}

func NewGateway(checker Checker, creds CredentialStore, allowOrigin string) *Gateway {
	g := &Gateway{checker: checker, creds: creds, allowOrigin: allowOrigin}
	if s, ok := creds.(SettingsStore); ok {
		g.settings = s
	}
	return g
}

func (g *Gateway) Routes() chi.Router {
	r := chi.NewRouter()
	if g.allowOrigin != "" {
		r.Use(g.cors)
	}
	r.Get("/healthz", g.healthz)
	r.Post("/check", g.check)
	r.Get("/options", g.getOptions)
	r.Put("/options", g.putOptions)
	return r
}

type checkRequest struct {
	URL string `json:"url"`
}

// CheckResponse is an Outcome plus the ring colour, as served to the UI.
type CheckResponse struct {
	Outcome
	Tone Tone `json:"tone,omitempty"`
}

func NewCheckResponse(out Outcome, t Thresholds) CheckResponse {
	resp := CheckResponse{Outcome: out}
	if out.Status == StatusOK && out.Ring != nil {
		resp.Tone = ToneFor(*out.Ring, t)
	}
	return resp
}

func (g *Gateway) check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err == nil && len(body) > 0 {
		if jerr := json.Unmarshal(body, &req); jerr != nil {
			req.URL = ""
		}
	}

	out := g.checker.Check(r.Context(), req.URL)
	resp := NewCheckResponse(out, g.thresholds(r.Context()))

	marker := string(out.Status)
	if out.Status == StatusOK {
		marker = "miss"
		if out.Cached {
			marker = "hit"
		}
	}
	setLinkringHeaders(w.Header(), marker)
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) thresholds(ctx context.Context) Thresholds {
	if g.settings == nil {
		return DefaultThresholds()
	}
	t, err := g.settings.Thresholds(ctx)
	if err != nil {
		log.Printf("linkring: read thresholds: %v", err)
		return DefaultThresholds()
	}
	return t
}

type optionsView struct {
	HasKey     bool       `json:"hasKey"`
	APIKeyHint string     `json:"apiKeyHint,omitempty"`
	Thresholds Thresholds `json:"thresholds"`
	Writable   bool       `json:"writable"`
	KeyPinned  bool       `json:"keyPinned,omitempty"`
	Message    string     `json:"message,omitempty"`
}

func (g *Gateway) optionsView(ctx context.Context) (optionsView, error) {
	key, err := g.creds.APIKey(ctx)
	if err != nil {
		return optionsView{}, err
	}
	return optionsView{
		HasKey:     strings.TrimSpace(key) != "",
		APIKeyHint: maskKey(key),
		Thresholds: g.thresholds(ctx),
		Writable:   g.settings != nil,
		KeyPinned:  g.keyPinned(),
	}, nil
}

func (g *Gateway) keyPinned() bool {
	switch g.creds.(type) {
	case StaticCredentials, PinnedKeyStore, *PinnedKeyStore:
		return true
	}
	return false
}

func (g *Gateway) getOptions(w http.ResponseWriter, r *http.Request) {
	view, err := g.optionsView(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type optionsUpdate struct {
	APIKey     *string        `json:"apiKey"`
	Thresholds map[string]any `json:"thresholds"`
}

func (g *Gateway) putOptions(w http.ResponseWriter, r *http.Request) {
	if g.settings == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "settings are read-only"})
		return
	}

	var upd optionsUpdate
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.UseNumber()
	if err := dec.Decode(&upd); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid options body"})
		return
	}

	ctx := r.Context()
	if upd.APIKey != nil {
		err := g.settings.SetAPIKey(ctx, *upd.APIKey)
		if errors.Is(err, ErrKeyPinned) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
	}
	if upd.Thresholds != nil {
		def := DefaultThresholds()
		t := Thresholds{
			MaliciousRed:     parseThreshold(upd.Thresholds["maliciousRed"], def.MaliciousRed),
			SuspiciousYellow: parseThreshold(upd.Thresholds["suspiciousYellow"], def.SuspiciousYellow),
		}
		if err := g.settings.SetThresholds(ctx, t); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
	}

	view, err := g.optionsView(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if view.HasKey {
		view.Message = fmt.Sprintf("Saved. Red: malicious >= %d, Yellow: suspicious >= %d",
			view.Thresholds.MaliciousRed, view.Thresholds.SuspiciousYellow)
	} else {
		view.Message = "Saved. (API key is empty; reputation checks are disabled.)"
	}
	writeJSON(w, http.StatusOK, view)
}

func (g *Gateway) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", g.allowOrigin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func setLinkringHeaders(h http.Header, marker string) {
	if marker != "" {
		h.Set("X-Linkring", marker)
	}
	// Custom headers are not readable by extension JS in a CORS context unless
	// explicitly exposed.
	ensureExposedHeader(h, "X-Linkring")
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}

	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}
