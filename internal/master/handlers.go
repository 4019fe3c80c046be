package master

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/apstic/recsync/internal/record"
	"github.com/apstic/recsync/internal/remote"
	"github.com/apstic/recsync/internal/txlog"
)

// maxAllocateProbes bounds the id-allocation scan for a single base.
const maxAllocateProbes = 1000

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	recordType := chi.URLParam(r, "recordType")

	var payload remote.CreatePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: "+err.Error())
		return
	}
	if payload.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	lifecycle, err := record.ParseLifecycle(payload.Lifecycle)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	allowed, err := s.records.AllowedFields(recordType)
	if err != nil {
		s.writeStoreError(w, recordType, payload.ID, err)
		return
	}

	rec := &record.Record{
		Type:      recordType,
		ID:        payload.ID,
		Lifecycle: lifecycle,
		Fields:    record.FilterAllowed(payload.Fields, allowed),
		// The originating node's creation time is preserved so later
		// collision checks on the same logical record compare equal.
		CreatedAt: payload.CreatedAt,
	}
	if err := s.records.Insert(r.Context(), rec); err != nil {
		s.writeStoreError(w, recordType, payload.ID, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	recordType := chi.URLParam(r, "recordType")
	id := chi.URLParam(r, "id")

	rec, err := s.records.Get(r.Context(), recordType, id)
	if err != nil {
		s.writeStoreError(w, recordType, id, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handlePut serves both field updates and workflow actions; the two
// are distinguished by the action query parameter.
func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	recordType := chi.URLParam(r, "recordType")
	id := chi.URLParam(r, "id")

	if action := r.URL.Query().Get("action"); action != "" {
		s.handleAction(w, r, recordType, id, action)
		return
	}

	var payload remote.UpdatePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: "+err.Error())
		return
	}

	allowed, err := s.records.AllowedFields(recordType)
	if err != nil {
		s.writeStoreError(w, recordType, id, err)
		return
	}

	rec := &record.Record{
		Type:   recordType,
		ID:     id,
		Fields: record.FilterAllowed(payload.Fields, allowed),
	}
	if err := s.records.Update(r.Context(), rec); err != nil {
		s.writeStoreError(w, recordType, id, err)
		return
	}

	updated, err := s.records.Get(r.Context(), recordType, id)
	if err != nil {
		s.writeStoreError(w, recordType, id, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request, recordType, id, action string) {
	var state record.Lifecycle
	switch action {
	case remote.ActionSubmit:
		state = record.LifecycleSubmitted
	case remote.ActionCancel:
		state = record.LifecycleCancelled
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", action))
		return
	}

	if err := s.records.SetLifecycle(r.Context(), recordType, id, state); err != nil {
		s.writeStoreError(w, recordType, id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "action": action})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	recordType := chi.URLParam(r, "recordType")
	id := chi.URLParam(r, "id")

	if err := s.records.Delete(r.Context(), recordType, id); err != nil {
		s.writeStoreError(w, recordType, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAllocateID finds the next free id derived from base by probing
// base-1, base-2 and so on. The allocated id is reserved implicitly:
// the caller creates under it immediately.
func (s *Server) handleAllocateID(w http.ResponseWriter, r *http.Request) {
	recordType := r.URL.Query().Get("type")
	base := r.URL.Query().Get("base")
	if recordType == "" || base == "" {
		writeError(w, http.StatusBadRequest, "type and base are required")
		return
	}

	for i := 1; i <= maxAllocateProbes; i++ {
		candidate := fmt.Sprintf("%s-%d", base, i)
		exists, err := s.records.Exists(r.Context(), recordType, candidate)
		if err != nil {
			s.writeStoreError(w, recordType, candidate, err)
			return
		}
		if !exists {
			writeJSON(w, http.StatusOK, remote.AllocatedID{ID: candidate})
			return
		}
	}
	writeError(w, http.StatusInternalServerError,
		fmt.Sprintf("no free id derived from %q after %d probes", base, maxAllocateProbes))
}

// handleLog serves the pull feed: foreign-origin entries past the
// caller's watermark, ascending by timestamp.
func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	excludeOrigin := q.Get("exclude_origin")

	var since int64
	if raw := q.Get("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since: "+err.Error())
			return
		}
		since = v
	}

	limit := defaultLogLimit
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if v > 0 {
			limit = v
		}
	}
	if limit > maxLogLimit {
		limit = maxLogLimit
	}

	entries, err := s.log.ListForeignSince(r.Context(), excludeOrigin, since, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query log: "+err.Error())
		return
	}
	if entries == nil {
		entries = []txlog.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// writeStoreError maps record store sentinels onto HTTP statuses with
// the body text children classify on.
func (s *Server) writeStoreError(w http.ResponseWriter, recordType, id string, err error) {
	switch {
	case errors.Is(err, record.ErrUnknownType):
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown record type %q", recordType))
	case errors.Is(err, record.ErrNotFound):
		writeError(w, http.StatusNotFound, fmt.Sprintf("%s %s does not exist", recordType, id))
	case errors.Is(err, record.ErrExists):
		writeError(w, http.StatusConflict, fmt.Sprintf("%s %s already exists", recordType, id))
	default:
		s.logger.Error("store error", "record", recordType+"/"+id, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
