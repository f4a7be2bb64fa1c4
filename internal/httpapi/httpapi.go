// Package httpapi exposes the Server façade over the four POST endpoints
// described in the module's external interface: raw-text and chat
// completion, and their verify counterparts.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/basalt-run/blama/internal/chatformat"
	"github.com/basalt-run/blama/internal/logger"
	"github.com/basalt-run/blama/internal/server"
	"github.com/basalt-run/blama/internal/token"
)

var (
	errMethodNotAllowed = errors.New("method not allowed")
	errNoChatFormat     = errors.New("no chat template configured for this model")
	errInvalidAPIKey    = errors.New("missing or invalid API key")
	errRateLimited      = errors.New("rate limit exceeded")
)

// Handler serves the four inference endpoints plus health/metrics
// against one Server and the ChatFormat discovered for its model.
type Handler struct {
	srv    *server.Server
	cf     *chatformat.ChatFormat
	apiKey string
}

// New builds a Handler bound to srv. cf may be nil if chat endpoints are
// not needed; requests to them then fail with 500.
func New(srv *server.Server, cf *chatformat.ChatFormat) *Handler {
	return &Handler{srv: srv, cf: cf}
}

// NewWithAPIKey is New plus an API key every request must present via
// either an "ApiKey <key>" Authorization header or an api_key query
// parameter. An empty key disables the check.
func NewWithAPIKey(srv *server.Server, cf *chatformat.ChatFormat, apiKey string) *Handler {
	return &Handler{srv: srv, cf: cf, apiKey: apiKey}
}

// Mux builds the net/http.ServeMux this Handler serves, wrapped in
// request logging, optional API key auth, and CORS.
func (h *Handler) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/complete", h.handleComplete)
	mux.HandleFunc("/chat/completions", h.handleChatComplete)
	mux.HandleFunc("/verify_completion", h.handleVerify)
	mux.HandleFunc("/chat/verify_completion", h.handleChatVerify)
	mux.HandleFunc("/health", h.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	auth := newAPIKeyAuth(h.apiKey)
	return withCORS(withRequestLogging(auth.wrap(mux)))
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	logger.Log.Warn("request failed", "status", status, "err", err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// completeRequest is the wire shape of POST /complete.
type completeRequest struct {
	Prompt      string  `json:"prompt"`
	MaxTokens   uint32  `json:"max_tokens,omitempty"`
	Seed        uint64  `json:"seed,omitempty"`
	Suffix      string  `json:"suffix,omitempty"`
	Temperature float32 `json:"temp,omitempty"`
	TopP        float32 `json:"top_p,omitempty"`
}

type logitEntryDTO struct {
	ID    token.Token `json:"id"`
	Logit float32     `json:"logit"`
}

type tokenDataDTO struct {
	Str    string          `json:"str"`
	ID     token.Token     `json:"id"`
	Logits []logitEntryDTO `json:"logits"`
}

type completeResponseDTO struct {
	Text      string         `json:"text"`
	TokenData []tokenDataDTO `json:"tokenData"`
}

func toDTO(r server.CompleteResponse) completeResponseDTO {
	dto := completeResponseDTO{Text: r.Text, TokenData: make([]tokenDataDTO, len(r.TokenData))}
	for i, td := range r.TokenData {
		logits := make([]logitEntryDTO, len(td.Logits))
		for j, l := range td.Logits {
			logits[j] = logitEntryDTO{ID: l.ID, Logit: l.Logit}
		}
		dto.TokenData[i] = tokenDataDTO{Str: td.Str, ID: td.ID, Logits: logits}
	}
	return dto
}

func fromDTO(dto completeResponseDTO) server.CompleteResponse {
	r := server.CompleteResponse{Text: dto.Text, TokenData: make([]server.TokenData, len(dto.TokenData))}
	for i, td := range dto.TokenData {
		logits := make([]server.LogitEntry, len(td.Logits))
		for j, l := range td.Logits {
			logits[j] = server.LogitEntry{ID: l.ID, Logit: l.Logit}
		}
		r.TokenData[i] = server.TokenData{Str: td.Str, ID: td.ID, Logits: logits}
	}
	return r
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusBadRequest, errMethodNotAllowed)
		return
	}

	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resCh := make(chan struct {
		resp server.CompleteResponse
		err  error
	}, 1)
	h.srv.CompleteText(server.CompleteRequestParams{
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Seed:        req.Seed,
		Suffix:      req.Suffix,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}, func(resp server.CompleteResponse, err error) {
		resCh <- struct {
			resp server.CompleteResponse
			err  error
		}{resp, err}
	})

	res := <-resCh
	if res.err != nil {
		writeError(w, http.StatusInternalServerError, res.err)
		return
	}
	writeJSON(w, http.StatusOK, toDTO(res.resp))
}

// chatMsgDTO is one message in a chat completion request.
type chatMsgDTO struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompleteRequest struct {
	Messages    []chatMsgDTO `json:"messages"`
	MaxTokens   uint32       `json:"max_tokens,omitempty"`
	Seed        uint64       `json:"seed,omitempty"`
	Temperature float32      `json:"temp,omitempty"`
	TopP        float32      `json:"top_p,omitempty"`
}

func toChatMsgs(dto []chatMsgDTO) []chatformat.ChatMsg {
	out := make([]chatformat.ChatMsg, len(dto))
	for i, m := range dto {
		out[i] = chatformat.ChatMsg{Role: m.Role, Text: m.Content}
	}
	return out
}

func (h *Handler) handleChatComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusBadRequest, errMethodNotAllowed)
		return
	}
	if h.cf == nil {
		writeError(w, http.StatusInternalServerError, errNoChatFormat)
		return
	}

	var req chatCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resCh := make(chan struct {
		resp server.CompleteResponse
		err  error
	}, 1)
	h.srv.ChatComplete(server.ChatCompleteRequestParams{
		Messages:    toChatMsgs(req.Messages),
		MaxTokens:   req.MaxTokens,
		Seed:        req.Seed,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}, h.cf, func(resp server.CompleteResponse, err error) {
		resCh <- struct {
			resp server.CompleteResponse
			err  error
		}{resp, err}
	})

	res := <-resCh
	if res.err != nil {
		writeError(w, http.StatusInternalServerError, res.err)
		return
	}
	writeJSON(w, http.StatusOK, toDTO(res.resp))
}

type verifyRequest struct {
	Request  completeRequest     `json:"request"`
	Response completeResponseDTO `json:"response"`
}

type verifyResponse struct {
	Result float32 `json:"result"`
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusBadRequest, errMethodNotAllowed)
		return
	}

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resCh := make(chan struct {
		score float32
		err   error
	}, 1)
	h.srv.Verify(server.CompleteRequestParams{
		Prompt:      req.Request.Prompt,
		MaxTokens:   req.Request.MaxTokens,
		Seed:        req.Request.Seed,
		Suffix:      req.Request.Suffix,
		Temperature: req.Request.Temperature,
		TopP:        req.Request.TopP,
	}, fromDTO(req.Response), func(score float32, err error) {
		resCh <- struct {
			score float32
			err   error
		}{score, err}
	})

	res := <-resCh
	if res.err != nil {
		writeError(w, http.StatusInternalServerError, res.err)
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{Result: res.score})
}

type chatVerifyRequest struct {
	Request  chatCompleteRequest `json:"request"`
	Response completeResponseDTO `json:"response"`
}

func (h *Handler) handleChatVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusBadRequest, errMethodNotAllowed)
		return
	}
	if h.cf == nil {
		writeError(w, http.StatusInternalServerError, errNoChatFormat)
		return
	}

	var req chatVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resCh := make(chan struct {
		score float32
		err   error
	}, 1)
	h.srv.ChatVerify(server.ChatCompleteRequestParams{
		Messages:    toChatMsgs(req.Request.Messages),
		MaxTokens:   req.Request.MaxTokens,
		Seed:        req.Request.Seed,
		Temperature: req.Request.Temperature,
		TopP:        req.Request.TopP,
	}, fromDTO(req.Response), h.cf, func(score float32, err error) {
		resCh <- struct {
			score float32
			err   error
		}{score, err}
	})

	res := <-resCh
	if res.err != nil {
		writeError(w, http.StatusInternalServerError, res.err)
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{Result: res.score})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
