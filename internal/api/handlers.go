package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/carapace/carapace/internal/rules"
	"github.com/carapace/carapace/internal/session"
)

// sessionView is the REST representation of a session.
type sessionView struct {
	SessionID      string    `json:"session_id"`
	ChannelType    string    `json:"channel_type"`
	ChannelRef     string    `json:"channel_ref"`
	CreatedAt      time.Time `json:"created_at"`
	LastActive     time.Time `json:"last_active"`
	ActivatedRules []string  `json:"activated_rules"`
	DisabledRules  []string  `json:"disabled_rules"`
	Retired        bool      `json:"retired,omitempty"`
	ResetTo        string    `json:"reset_to,omitempty"`
}

func viewOf(state *session.State) sessionView {
	return sessionView{
		SessionID:      state.SessionID,
		ChannelType:    state.ChannelType,
		ChannelRef:     state.ChannelRef,
		CreatedAt:      state.CreatedAt,
		LastActive:     state.LastActive,
		ActivatedRules: orEmpty(state.ActivatedRules),
		DisabledRules:  orEmpty(state.DisabledRules),
		Retired:        state.Retired,
		ResetTo:        state.ResetTo,
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	body := struct {
		ChannelType string `json:"channel_type"`
		ChannelRef  string `json:"channel_ref"`
	}{ChannelType: "cli"}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if body.ChannelType == "" {
			body.ChannelType = "cli"
		}
	}

	state, err := s.sessions.Create(body.ChannelType, body.ChannelRef)
	if err != nil {
		s.logger.Error("session create failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	writeJSON(w, viewOf(state))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	infos, err := s.sessions.List()
	if err != nil {
		s.logger.Error("session list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	views := make([]sessionView, 0, len(infos))
	for _, info := range infos {
		state, err := s.sessions.LoadState(info.SessionID)
		if err != nil {
			continue
		}
		views = append(views, viewOf(state))
	}
	writeJSON(w, views)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	state, err := s.sessions.LoadState(r.PathValue("id"))
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	writeJSON(w, viewOf(state))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	err := s.sessions.Delete(r.PathValue("id"))
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	state, err := s.sessions.Reset(r.PathValue("id"))
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to reset session")
		return
	}
	writeJSON(w, viewOf(state))
}

// historyMessage is the REST representation of one history entry,
// reduced to the conversational roles clients render.
type historyMessage struct {
	Role    string         `json:"role"`
	Content string         `json:"content"`
	Tool    string         `json:"tool,omitempty"`
	Args    map[string]any `json:"args,omitempty"`
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.sessions.LoadState(id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
		} else {
			writeError(w, http.StatusInternalServerError, "failed to load session")
		}
		return
	}

	entries, err := s.sessions.LoadHistory(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}

	messages := make([]historyMessage, 0, len(entries))
	for _, e := range entries {
		switch e.Kind {
		case session.EntryUserMessage:
			messages = append(messages, historyMessage{Role: "user", Content: e.Content})
		case session.EntryAssistantMessage:
			messages = append(messages, historyMessage{Role: "assistant", Content: e.Content})
		case session.EntryToolCall:
			messages = append(messages, historyMessage{Role: "tool_call", Tool: e.Tool, Args: e.Args})
		}
	}

	if limit := queryInt(r, "limit", -1); limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	writeJSON(w, messages)
}

// ruleView is the REST representation of a rule.
type ruleView struct {
	ID          string `json:"id"`
	Trigger     string `json:"trigger"`
	Effect      string `json:"effect"`
	Mode        string `json:"mode"`
	Description string `json:"description"`
	Condition   string `json:"condition,omitempty"`
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	all := s.ruleStore.Snapshot().All()
	views := make([]ruleView, 0, len(all))
	for _, rule := range all {
		views = append(views, ruleView{
			ID:          rule.ID,
			Trigger:     rule.Trigger,
			Effect:      rule.Effect,
			Mode:        string(rule.Mode),
			Description: rule.Description,
			Condition:   rule.Condition,
		})
	}
	writeJSON(w, views)
}

func (s *Server) handleReloadRules(w http.ResponseWriter, r *http.Request) {
	if err := s.ruleStore.Load(); err != nil {
		writeError(w, http.StatusBadRequest, "rules reload failed: "+err.Error())
		return
	}
	writeJSON(w, map[string]any{
		"status": "reloaded",
		"rules":  s.ruleStore.Snapshot().Len(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status": "ok",
		"rules":  s.ruleStore.Snapshot().Len(),
	})
}

func ruleStatus(rule rules.Rule, state *session.State) string {
	switch {
	case state.IsDisabled(rule.ID):
		return "disabled"
	case state.HasActivated(rule.ID):
		return "activated"
	case rule.IsAlways():
		return "always-on"
	default:
		return "inactive"
	}
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message}) //nolint:errcheck
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return defaultVal
	}
	return n
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
