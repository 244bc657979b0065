package api

import (
	"context"
	"net/http"

	"github.com/partsearch/partsearch/pkg/storage/postgres"
)

func (s *Server) handleSyncFile(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil {
		sendError(w, http.StatusServiceUnavailable, "search index is not configured")
		return
	}
	fileID := pathID(r)
	if _, err := s.store.GetDataset(r.Context(), fileID); err != nil {
		sendDomainError(w, err)
		return
	}

	go s.runSync(fileID)
	sendJSON(w, http.StatusOK, map[string]any{
		"file_id": fileID,
		"status":  "sync started",
	})
}

func (s *Server) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil {
		sendError(w, http.StatusServiceUnavailable, "search index is not configured")
		return
	}
	datasets, err := s.store.ListDatasets(r.Context())
	if err != nil {
		sendDomainError(w, err)
		return
	}

	var queued []int64
	for _, ds := range datasets {
		if ds.Status == postgres.StatusProcessed {
			queued = append(queued, ds.ID)
		}
	}
	go func() {
		for _, fileID := range queued {
			s.runSync(fileID)
		}
	}()

	sendJSON(w, http.StatusOK, map[string]any{
		"queued": len(queued),
		"status": "sync started",
	})
}

// runSync executes one administrative sync under its own deadline,
// detached from the originating request.
func (s *Server) runSync(fileID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.SyncTimeout)
	defer cancel()
	if _, err := s.syncer.Sync(ctx, fileID, nil); err != nil {
		s.logger.Warn().Err(err).Int64("file_id", fileID).Msg("administrative sync failed")
	}
}

type syncStatusEntry struct {
	FileID        int64  `json:"file_id"`
	Filename      string `json:"filename"`
	Status        string `json:"status"`
	RowCount      int64  `json:"row_count"`
	IndexSynced   bool   `json:"index_synced"`
	LastSyncError string `json:"last_sync_error,omitempty"`
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	datasets, err := s.store.ListDatasets(r.Context())
	if err != nil {
		sendDomainError(w, err)
		return
	}

	entries := make([]syncStatusEntry, 0, len(datasets))
	for _, ds := range datasets {
		entries = append(entries, syncStatusEntry{
			FileID:        ds.ID,
			Filename:      ds.Filename,
			Status:        ds.Status,
			RowCount:      ds.RowCount,
			IndexSynced:   ds.IndexSynced,
			LastSyncError: ds.LastSyncError,
		})
	}

	indexAvailable := s.idx != nil && s.idx.Available(r.Context())
	sendJSON(w, http.StatusOK, map[string]any{
		"index_available": indexAvailable,
		"datasets":        entries,
	})
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		sendJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not ready",
			"error":  "database unreachable",
		})
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"index_available": s.idx != nil && s.idx.Available(r.Context()),
		"cache_available": s.results != nil && s.results.Healthy(r.Context()),
	})
}
