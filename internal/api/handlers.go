package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"instdocs/internal/auth"
	"instdocs/internal/middleware"
	"instdocs/internal/models"
	"instdocs/internal/protocol"
	"instdocs/internal/repository"
	"instdocs/internal/services"
	"instdocs/internal/services/collaboration"
)

// Handler handles HTTP requests
type Handler struct {
	store      BranchStore
	sessions   SessionRegistry
	compaction CompactionQueue
	tokens     TokenValidator
	wsHandler  *collaboration.WebSocketHandler
	log        *logrus.Entry
}

// NewHandler creates the HTTP handlers. sessions, compaction, tokens and
// wsHandler may be nil.
func NewHandler(
	store BranchStore,
	sessions SessionRegistry,
	compaction CompactionQueue,
	tokens TokenValidator,
	wsHandler *collaboration.WebSocketHandler,
	log *logrus.Entry,
) *Handler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Handler{
		store:      store,
		sessions:   sessions,
		compaction: compaction,
		tokens:     tokens,
		wsHandler:  wsHandler,
		log:        log.WithField("component", "api"),
	}
}

// Branch handlers

func (h *Handler) GetBranchUpdates(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.branchRef(w, r)
	if !ok {
		return
	}

	updates, err := h.store.GetUpdates(r.Context(), ref.Key())
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	blobs, timestamps := services.UpdatePayload(updates)
	writeJSON(w, http.StatusOK, protocol.BranchUpdates{Updates: blobs, Timestamps: timestamps})
}

func (h *Handler) ListBranches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.BranchFilter{
		RecordName: q.Get("recordName"),
		Inst:       q.Get("inst"),
		Limit:      50,
	}
	if v := q.Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			filter.Limit = parsed
		}
	}
	if v := q.Get("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			filter.Offset = parsed
		}
	}
	if filter.RecordName != "" && !h.authorized(w, r, filter.RecordName) {
		return
	}

	branches, err := h.store.ListBranches(r.Context(), filter)
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"branches": branches,
		"limit":    filter.Limit,
		"offset":   filter.Offset,
	})
}

func (h *Handler) DeleteBranch(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.branchRef(w, r)
	if !ok {
		return
	}

	key := ref.Key()
	if err := h.store.DeleteBranch(r.Context(), key); err != nil {
		if errors.Is(err, repository.ErrBranchNotFound) {
			writeError(w, http.StatusNotFound, protocol.CodeInstNotFound, err.Error())
			return
		}
		h.serverError(w, r, err)
		return
	}
	if h.sessions != nil {
		h.sessions.DisconnectBranch(key)
	}
	h.log.WithField("branch", key).Info("branch deleted")
	w.WriteHeader(http.StatusNoContent)
}

// Session handlers

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	summary := []models.SessionSummary{}
	count := 0
	if h.sessions != nil {
		summary = h.sessions.Watchers()
		count = h.sessions.SessionCount()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": count,
		"branches": summary,
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{"status": "ok"}
	if h.sessions != nil {
		status["sessions"] = h.sessions.SessionCount()
	}
	if h.compaction != nil {
		status["compaction_queue"] = h.compaction.GetQueueLength()
	}
	writeJSON(w, http.StatusOK, status)
}

// branchRef reads the branch address from the query string and checks the
// caller may access it.
func (h *Handler) branchRef(w http.ResponseWriter, r *http.Request) (protocol.BranchRef, bool) {
	q := r.URL.Query()
	ref := protocol.BranchRef{
		RecordName: q.Get("recordName"),
		Inst:       q.Get("inst"),
		Branch:     q.Get("branch"),
	}
	if ref.Inst == "" || ref.Branch == "" {
		writeError(w, http.StatusBadRequest, protocol.CodeUnacceptableRequest, "inst and branch are required")
		return ref, false
	}
	if ref.RecordName != "" && !h.authorized(w, r, ref.RecordName) {
		return ref, false
	}
	return ref, true
}

// authorized checks the bearer token against recordName, writing the
// failure response itself.
func (h *Handler) authorized(w http.ResponseWriter, r *http.Request, recordName string) bool {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" || h.tokens == nil {
		writeError(w, http.StatusUnauthorized, protocol.CodeNotLoggedIn, "a token is required to access record "+recordName)
		return false
	}
	claims, err := h.tokens.Validate(token)
	if err != nil {
		code := protocol.CodeInvalidToken
		if errors.Is(err, auth.ErrTokenExpired) {
			code = protocol.CodeSessionExpired
		}
		writeError(w, http.StatusUnauthorized, code, err.Error())
		return false
	}
	if !claims.CanAccess(recordName) {
		writeError(w, http.StatusForbidden, protocol.CodeNotAuthorized, "no access to record "+recordName)
		return false
	}
	return true
}

func (h *Handler) serverError(w http.ResponseWriter, r *http.Request, err error) {
	middleware.AddSpanError(r.Context(), err)
	h.log.WithError(err).WithField("request_id", middleware.GetRequestID(r.Context())).Error("request failed")
	writeError(w, http.StatusInternalServerError, protocol.CodeServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, protocol.ErrorInfo{Code: code, Message: message})
}
