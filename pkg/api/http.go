package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"msgsync/pkg/backend"
	"msgsync/pkg/engine"
	"msgsync/pkg/logger"
	"msgsync/pkg/moderation"
	"msgsync/pkg/models"
	"msgsync/pkg/send"
)

// Handler builds the local view API router. This surface is what a UI layer
// binds to; all state it returns is the engine's local projection, so reads
// never block on the network.
func Handler(e *engine.Engine) http.Handler {
	r := mux.NewRouter()
	s := &server{eng: e}

	r.HandleFunc("/v1/threads", s.listThreads).Methods(http.MethodGet)
	r.HandleFunc("/v1/threads", s.startThread).Methods(http.MethodPost)
	r.HandleFunc("/v1/threads/{id}/messages", s.listMessages).Methods(http.MethodGet)
	r.HandleFunc("/v1/threads/{id}/messages", s.sendMessage).Methods(http.MethodPost)
	r.HandleFunc("/v1/threads/{id}/active", s.activate).Methods(http.MethodPost)
	r.HandleFunc("/v1/threads/{id}/active", s.deactivate).Methods(http.MethodDelete)
	r.HandleFunc("/v1/threads/{id}/messages/{mid}/retry", s.retryMessage).Methods(http.MethodPost)
	r.HandleFunc("/v1/threads/{id}/messages/{mid}/approve", s.approveMessage).Methods(http.MethodPost)
	r.HandleFunc("/v1/threads/{id}/messages/{mid}/reject", s.rejectMessage).Methods(http.MethodPost)
	r.HandleFunc("/v1/threads/{id}/messages/{mid}", s.editMessage).Methods(http.MethodPatch)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	return r
}

type server struct {
	eng *engine.Engine
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("response_encode_failed", "error", err)
	}
}

func jsonError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// errStatus maps engine errors onto HTTP status codes.
func errStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrNotModerator):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrUnknownMessage):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrNotActionable), errors.Is(err, send.ErrNotRetryable):
		return http.StatusConflict
	case errors.Is(err, engine.ErrReasonRequired):
		return http.StatusBadRequest
	}
	if se, ok := err.(*backend.StatusError); ok {
		return se.Code
	}
	return http.StatusBadGateway
}

// listThreads godoc
// @Summary List known threads, most recently active first
// @Produce json
// @Success 200 {object} map[string]any
// @Router /v1/threads [get]
func (s *server) listThreads(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"threads": s.eng.Threads()})
}

// startThread godoc
// @Summary Start a conversation, reusing an existing thread when one exists
// @Accept json
// @Produce json
// @Success 201 {object} map[string]string
// @Router /v1/threads [post]
func (s *server) startThread(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Participants []models.Participant `json:"participants"`
		ThreadType   models.ThreadType    `json:"thread_type"`
		Title        string               `json:"title"`
		Content      string               `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if len(body.Participants) == 0 || body.Content == "" {
		jsonError(w, http.StatusBadRequest, "participants and content are required")
		return
	}
	if body.ThreadType == "" {
		body.ThreadType = models.ThreadDirect
	}
	id, err := s.eng.StartThread(r.Context(), body.Participants, body.ThreadType, body.Title, body.Content)
	if err != nil {
		jsonError(w, errStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"thread_id": id})
}

// listMessages godoc
// @Summary List a thread's messages with moderation annotations
// @Produce json
// @Success 200 {object} map[string]any
// @Router /v1/threads/{id}/messages [get]
func (s *server) listMessages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	msgs := s.eng.Messages(id)
	if msgs == nil {
		msgs = []moderation.Annotated{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// sendMessage godoc
// @Summary Compose a message into a thread
// @Accept json
// @Produce json
// @Success 202 {object} map[string]string
// @Router /v1/threads/{id}/messages [post]
func (s *server) sendMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Content == "" {
		jsonError(w, http.StatusBadRequest, "content is required")
		return
	}
	tempID, err := s.eng.Send(r.Context(), id, body.Content)
	// a transmit failure still accepted the message locally; the entry is
	// marked failed and retryable, which the client sees in the thread view
	resp := map[string]string{"temp_id": tempID}
	if err != nil {
		resp["delivery"] = string(models.DeliveryFailed)
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *server) activate(w http.ResponseWriter, r *http.Request) {
	s.eng.Activate(mux.Vars(r)["id"])
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) deactivate(w http.ResponseWriter, r *http.Request) {
	s.eng.Deactivate(mux.Vars(r)["id"])
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) retryMessage(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	if err := s.eng.Retry(r.Context(), v["id"], v["mid"]); err != nil {
		jsonError(w, errStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *server) approveMessage(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	msg, err := s.eng.Approve(r.Context(), v["id"], v["mid"])
	if err != nil {
		jsonError(w, errStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *server) rejectMessage(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	msg, err := s.eng.Reject(r.Context(), v["id"], v["mid"], body.Reason)
	if err != nil {
		jsonError(w, errStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *server) editMessage(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Content == "" {
		jsonError(w, http.StatusBadRequest, "content is required")
		return
	}
	msg, err := s.eng.Edit(r.Context(), v["id"], v["mid"], body.Content)
	if err != nil {
		jsonError(w, errStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, msg)
}
