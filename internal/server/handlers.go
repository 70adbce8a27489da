package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/hyperjump/paperscope/internal/indexer"
	"github.com/hyperjump/paperscope/internal/models"
	"github.com/hyperjump/paperscope/internal/search"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req search.Request
	if err := gojson.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, bodyStatus(err), "invalid request body")
		return
	}
	mode := req.ResolvedMode()
	s.logger.Debug("search request", zap.String("mode", mode), zap.Int("k", req.K))
	resp, err := s.engine.Do(r.Context(), &req)
	if err != nil {
		s.logger.Error("search failed", zap.String("mode", mode), zap.Error(err))
		s.respondError(w, statusFor(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// handleIngest accepts a JSON array or JSON Lines of ingest items.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	items, err := indexer.ReadBatch(r.Body)
	if err != nil {
		s.respondError(w, bodyStatus(err), err.Error())
		return
	}
	if len(items) == 0 {
		s.respondError(w, http.StatusBadRequest, "no items in request body")
		return
	}
	s.logger.Debug("ingest request", zap.Int("items", len(items)))
	report, err := s.indexer.IngestBatch(r.Context(), items)
	if err != nil {
		s.logger.Warn("ingest incomplete", zap.Error(err))
		if report == nil {
			s.respondError(w, statusFor(err), err.Error())
			return
		}
		s.respondJSON(w, statusFor(err), report)
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

// pagination reads offset and limit, answering 400 itself when they are malformed.
func (s *Server) pagination(w http.ResponseWriter, r *http.Request) (offset, limit int, ok bool) {
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		s.respondError(w, http.StatusBadRequest, "invalid offset")
		return 0, 0, false
	}
	limit, err = queryInt(r, "limit", defaultListLimit)
	if err != nil || limit <= 0 {
		s.respondError(w, http.StatusBadRequest, "invalid limit")
		return 0, 0, false
	}
	return offset, min(limit, maxListLimit), true
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	offset, limit, ok := s.pagination(w, r)
	if !ok {
		return
	}
	ids, err := s.engine.ListIDs(r.Context(), offset, limit)
	if err != nil {
		s.logger.Error("list records failed", zap.Error(err))
		s.respondError(w, statusFor(err), err.Error())
		return
	}
	if ids == nil {
		ids = []string{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"ids":    ids,
		"offset": offset,
		"limit":  limit,
	})
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.engine.GetRecord(r.Context(), id)
	if err != nil {
		s.respondLookupError(w, err, "record not found")
		return
	}
	s.respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListPapers(w http.ResponseWriter, r *http.Request) {
	offset, limit, ok := s.pagination(w, r)
	if !ok {
		return
	}
	ids, err := s.engine.ListPapers(r.Context(), offset, limit)
	if err != nil {
		s.logger.Error("list papers failed", zap.Error(err))
		s.respondError(w, statusFor(err), err.Error())
		return
	}
	if ids == nil {
		ids = []string{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"paper_ids": ids,
		"offset":    offset,
		"limit":     limit,
	})
}

func (s *Server) handleGetPaper(w http.ResponseWriter, r *http.Request) {
	paper, err := s.engine.GetPaper(r.Context(), chi.URLParam(r, "paper_id"))
	if err != nil {
		s.respondLookupError(w, err, "paper not found")
		return
	}
	s.respondJSON(w, http.StatusOK, paper)
}

// respondLookupError answers 404 with notFound, or the mapped status with the error text.
func (s *Server) respondLookupError(w http.ResponseWriter, err error, notFound string) {
	if errors.Is(err, models.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, notFound)
		return
	}
	s.logger.Error("lookup failed", zap.Error(err))
	s.respondError(w, statusFor(err), err.Error())
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.logger.Debug("delete record request", zap.String("id", id))
	report, err := s.indexer.Delete(r.Context(), []string{id})
	if err != nil {
		s.logger.Error("deletion failed", zap.Error(err))
		s.respondError(w, statusFor(err), err.Error())
		return
	}
	if report.Deleted == 0 {
		s.respondError(w, http.StatusNotFound, "record not found")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	reclaimed, err := s.indexer.Compact(r.Context())
	if err != nil {
		s.logger.Error("compaction failed", zap.Error(err))
		s.respondError(w, statusFor(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]int{"reclaimed": reclaimed})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		s.logger.Error("status failed", zap.Error(err))
		s.respondError(w, statusFor(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"stats":             stats,
		"vector_index_type": s.engine.VectorIndexType(),
	})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidK),
		errors.Is(err, models.ErrInvalidThreshold),
		errors.Is(err, models.ErrNonFiniteVector),
		errors.Is(err, models.ErrDimensionMismatch),
		errors.Is(err, models.ErrEmptyIdentifier),
		errors.Is(err, models.ErrInvalidRecord),
		errors.Is(err, search.ErrEmptyQuery),
		errors.Is(err, search.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, indexer.ErrBatchAborted),
		errors.Is(err, models.ErrEncoding):
		return http.StatusUnprocessableEntity
	case errors.Is(err, search.ErrNoEncoder):
		return http.StatusNotImplemented
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, models.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// bodyStatus distinguishes an oversized body from a malformed one.
func bodyStatus(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = gojson.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
