package adminapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agentworkforce/ledgersync/internal/localstore"
)

func (s *Server) cacheRoutes(r chi.Router) {
	r.Get("/cache/{table}/{type}", s.handleCacheList)
	r.Get("/cache/{table}/{type}/{id}", s.handleCacheGet)
	r.Put("/cache/{table}/{type}/{id}", s.handleCachePut)
	r.Delete("/cache/{table}/{type}/{id}", s.handleCacheDelete)
}

// cacheTable accepts the two cache tables by name. Pending operations are
// only reachable through /operations.
func cacheTable(w http.ResponseWriter, r *http.Request) (string, bool) {
	table := chi.URLParam(r, "table")
	switch table {
	case localstore.TableMasters, localstore.TableDrafts:
		return table, true
	}
	writeError(w, r, http.StatusNotFound, "not_found", "unknown cache table "+table)
	return "", false
}

func (s *Server) handleCacheList(w http.ResponseWriter, r *http.Request) {
	table, ok := cacheTable(w, r)
	if !ok {
		return
	}
	typ := chi.URLParam(r, "type")
	var (
		records []localstore.Record
		err     error
	)
	if table == localstore.TableMasters {
		records, err = s.cfg.Cache.Masters(r.Context(), typ)
	} else {
		records, err = s.cfg.Cache.Drafts(r.Context(), typ)
	}
	if err != nil {
		s.writeCacheError(w, r, err)
		return
	}
	if records == nil {
		records = []localstore.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleCacheGet(w http.ResponseWriter, r *http.Request) {
	table, ok := cacheTable(w, r)
	if !ok {
		return
	}
	typ, id := chi.URLParam(r, "type"), chi.URLParam(r, "id")
	var (
		record localstore.Record
		err    error
	)
	if table == localstore.TableMasters {
		record, err = s.cfg.Cache.Master(r.Context(), typ, id)
	} else {
		record, err = s.cfg.Cache.Draft(r.Context(), typ, id)
	}
	if err != nil {
		s.writeCacheError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleCachePut(w http.ResponseWriter, r *http.Request) {
	table, ok := cacheTable(w, r)
	if !ok {
		return
	}
	var data json.RawMessage
	if !s.decodeBody(w, r, &data) {
		return
	}
	typ, id := chi.URLParam(r, "type"), chi.URLParam(r, "id")
	var err error
	if table == localstore.TableMasters {
		err = s.cfg.Cache.PutMaster(r.Context(), typ, id, data)
	} else {
		err = s.cfg.Cache.PutDraft(r.Context(), typ, id, data)
	}
	if err != nil {
		s.writeCacheError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Masters mirror the backend and are only replaced, never deleted one by one.
func (s *Server) handleCacheDelete(w http.ResponseWriter, r *http.Request) {
	table, ok := cacheTable(w, r)
	if !ok {
		return
	}
	if table != localstore.TableDrafts {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "only drafts can be deleted")
		return
	}
	if err := s.cfg.Cache.DeleteDraft(r.Context(), chi.URLParam(r, "type"), chi.URLParam(r, "id")); err != nil {
		s.writeCacheError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeCacheError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, localstore.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, localstore.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
	default:
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("cache request failed")
		writeError(w, r, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
