package web

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/drjanduffy/heyberkshire/internal/crm"
	"github.com/drjanduffy/heyberkshire/internal/llm"
	"github.com/drjanduffy/heyberkshire/internal/resilience"
)

const defaultChatSystem = "You are a helpful assistant for a Las Vegas real estate site. " +
	"Answer questions about listings, neighborhoods and the buying process."

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"site":    "heyberkshire",
		"contact": "/api/lead",
	})
}

// outcomeView is the wire form of a pipeline outcome.
type outcomeView struct {
	Op    string `json:"op"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func viewOutcomes(outcomes []crm.Outcome) []outcomeView {
	views := make([]outcomeView, len(outcomes))
	for i, o := range outcomes {
		views[i] = outcomeView{Op: o.Op, OK: o.OK()}
		if o.Err != nil {
			views[i].Error = o.Err.Error()
		}
	}
	return views
}

func (s *Server) handleLead(w http.ResponseWriter, r *http.Request) {
	var lead crm.Lead
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&lead); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid lead payload"))
		return
	}

	result, err := s.leads.Capture(r.Context(), lead)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"leadId":   result.PersonID,
		"isNew":    result.IsNew,
		"outcomes": viewOutcomes(result.Outcomes),
	})
}

type chatPayload struct {
	Messages []llm.Message `json:"messages"`
	Message  string        `json:"message"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var payload chatPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 256<<10)).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid chat payload"))
		return
	}
	if payload.Message != "" {
		payload.Messages = append(payload.Messages, llm.Message{Role: "user", Content: payload.Message})
	}

	req := llm.Request{
		System:      s.chatSystem,
		Messages:    payload.Messages,
		EnableCache: true,
	}

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		s.streamChat(w, r, req)
		return
	}

	resp, err := s.chat.SendMessage(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"content": resp.Content,
		"model":   resp.Model,
		"cached":  resp.Cached,
	})
}

func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, req llm.Request) {
	stream, err := s.chat.StreamMessage(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer stream.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for stream.Next() {
		fmt.Fprintf(w, "data: %s\n\n", sseEscape(stream.Text()))
		flusher.Flush()
	}
	if err := stream.Err(); err != nil {
		s.logger.Warn("chat stream aborted", slog.Any("error", err))
		fmt.Fprintf(w, "event: error\ndata: stream interrupted\n\n")
		flusher.Flush()
		return
	}
	fmt.Fprint(w, "event: done\ndata: [DONE]\n\n")
	flusher.Flush()
}

func sseEscape(s string) string {
	return strings.ReplaceAll(s, "\n", "\ndata: ")
}

// webhookPayload is the CRM's asynchronous event notification.
type webhookPayload struct {
	Type     string   `json:"type"`
	PersonID string   `json:"personId"`
	Tags     []string `json:"tags"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var payload webhookPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid webhook payload"))
		return
	}
	if payload.Type == "" || payload.PersonID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("webhook needs a type and personId"))
		return
	}

	// Tagging here is advisory; the webhook is acknowledged regardless so
	// the CRM does not redeliver.
	for _, tag := range payload.Tags {
		if err := s.leads.AddTag(r.Context(), payload.PersonID, tag); err != nil {
			s.logger.Warn("webhook tag failed",
				slog.String("person_id", payload.PersonID),
				slog.String("tag", tag),
				slog.Any("error", err))
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// writeError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case resilience.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	case resilience.IsRateLimited(err):
		if hint := resilience.RetryAfterHint(err); hint > 0 {
			secs := int(hint / time.Second)
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		writeJSON(w, http.StatusTooManyRequests, errorBody("too many requests"))
	case resilience.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
	case resilience.IsRetryExhausted(err):
		writeJSON(w, http.StatusBadGateway, errorBody("upstream unavailable"))
	case resilience.IsUpstreamRejected(err):
		writeJSON(w, http.StatusBadGateway, errorBody("upstream rejected the request"))
	default:
		s.logger.Error("unhandled request error",
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
