package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/partsearch/partsearch/pkg/cache"
	"github.com/partsearch/partsearch/pkg/parser"
	"github.com/partsearch/partsearch/pkg/search"
	"github.com/partsearch/partsearch/pkg/storage/postgres"
)

type searchPartRequest struct {
	FileID     int64  `json:"file_id"`
	PartNumber string `json:"part_number"`
	Page       int    `json:"page"`
	PageSize   int    `json:"page_size"`
	ShowAll    bool   `json:"show_all"`
	SearchMode string `json:"search_mode"`
}

type searchPartResponse struct {
	FileID     int64  `json:"file_id"`
	PartNumber string `json:"part_number"`
	Cached     bool   `json:"cached,omitempty"`
	search.Result
}

func (s *Server) handleSearchPart(w http.ResponseWriter, r *http.Request) {
	var req searchPartRequest
	if err := decodeJSON(r, &req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PartNumber == "" {
		sendError(w, http.StatusBadRequest, "part_number is required")
		return
	}
	if _, err := s.store.GetDataset(r.Context(), req.FileID); err != nil {
		sendDomainError(w, err)
		return
	}

	mode := search.ParseMode(req.SearchMode)
	if req.PageSize <= 0 {
		req.PageSize = s.config.DefaultPageSize
	}
	start := time.Now()

	key := cache.Key("single", req.FileID, []string{req.PartNumber},
		string(mode), req.PageSize, req.ShowAll)
	if s.results != nil && req.Page <= 1 {
		if env, ok := s.results.Get(r.Context(), key); ok && !env.Compressed {
			if result, ok := env.Results[req.PartNumber]; ok {
				s.recordQuery(r, "search-part", req.FileID, 1, start, "cache")
				sendJSON(w, http.StatusOK, searchPartResponse{
					FileID:     req.FileID,
					PartNumber: req.PartNumber,
					Cached:     true,
					Result:     result,
				})
				return
			}
		}
	}

	result := s.engine.SearchSingle(r.Context(), search.SingleRequest{
		FileID:   req.FileID,
		Part:     req.PartNumber,
		Mode:     mode,
		Page:     req.Page,
		PageSize: req.PageSize,
		ShowAll:  req.ShowAll,
	})

	if s.results != nil && result.Error == "" && req.Page <= 1 {
		s.results.Put(r.Context(), key,
			map[string]search.Result{req.PartNumber: result}, cache.ResultTTL)
	}
	s.recordQuery(r, "search-part", req.FileID, 1, start, result.SearchEngine)

	sendJSON(w, http.StatusOK, searchPartResponse{
		FileID:     req.FileID,
		PartNumber: req.PartNumber,
		Result:     result,
	})
}

type searchBulkRequest struct {
	FileID       int64    `json:"file_id"`
	PartNumbers  []string `json:"part_numbers"`
	PageSize     int      `json:"page_size"`
	ShowAll      bool     `json:"show_all"`
	SearchMode   string   `json:"search_mode"`
	PerPartLimit int      `json:"per_part_limit"`
}

func (s *Server) handleSearchPartBulk(w http.ResponseWriter, r *http.Request) {
	var req searchBulkRequest
	if err := decodeJSON(r, &req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.runBulkSearch(w, r, "search-part-bulk", req)
}

// handleSearchPartBulkUpload reads the part list from an uploaded
// CSV/XLSX file and runs a bulk search over it.
func (s *Server) handleSearchPartBulkUpload(w http.ResponseWriter, r *http.Request) {
	s.runBulkListUpload(w, r, "search-part-bulk-upload")
}

// handleBulkExcelSearch is the workbook variant of the list upload: the
// same extraction plus form-field search options.
func (s *Server) handleBulkExcelSearch(w http.ResponseWriter, r *http.Request) {
	s.runBulkListUpload(w, r, "bulk-excel-search")
}

func (s *Server) runBulkListUpload(w http.ResponseWriter, r *http.Request, operation string) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		sendError(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	parts, err := parser.PartList(file, header.Filename)
	if err != nil {
		sendDomainError(w, err)
		return
	}
	if len(parts) == 0 {
		sendError(w, http.StatusBadRequest, "list file contains no part numbers")
		return
	}

	fileID, _ := strconv.ParseInt(r.FormValue("file_id"), 10, 64)
	pageSize, _ := strconv.Atoi(r.FormValue("page_size"))
	showAll, _ := strconv.ParseBool(r.FormValue("show_all"))

	s.runBulkSearch(w, r, operation, searchBulkRequest{
		FileID:      fileID,
		PartNumbers: parts,
		PageSize:    pageSize,
		ShowAll:     showAll,
		SearchMode:  r.FormValue("search_mode"),
	})
}

func (s *Server) runBulkSearch(w http.ResponseWriter, r *http.Request, operation string, req searchBulkRequest) {
	if len(req.PartNumbers) == 0 {
		sendError(w, http.StatusBadRequest, "part_numbers is required")
		return
	}
	if _, err := s.store.GetDataset(r.Context(), req.FileID); err != nil {
		sendDomainError(w, err)
		return
	}

	mode := search.ParseMode(req.SearchMode)
	if req.PageSize <= 0 {
		req.PageSize = s.config.DefaultPageSize
	}
	start := time.Now()

	key := cache.Key(operation, req.FileID, req.PartNumbers,
		string(mode), req.PageSize, req.ShowAll)
	if s.results != nil {
		if env, ok := s.results.Get(r.Context(), key); ok {
			s.recordQuery(r, operation, req.FileID, len(req.PartNumbers), start, "cache")
			if env.Compressed {
				sendJSON(w, http.StatusOK, map[string]any{
					"file_id":    req.FileID,
					"cached":     true,
					"compressed": true,
					"summary":    env.Summary,
				})
				return
			}
			sendJSON(w, http.StatusOK, map[string]any{
				"file_id": req.FileID,
				"cached":  true,
				"results": env.Results,
			})
			return
		}
	}

	results := s.engine.SearchBulk(r.Context(), search.BulkRequest{
		FileID:       req.FileID,
		Parts:        req.PartNumbers,
		Mode:         mode,
		PerPartLimit: req.PerPartLimit,
		PageSize:     req.PageSize,
		ShowAll:      req.ShowAll,
	})

	if s.results != nil {
		s.results.Put(r.Context(), key, results, cache.ResultTTL)
	}
	engine := ""
	for _, result := range results {
		if result.SearchEngine != "" {
			engine = result.SearchEngine
			break
		}
	}
	s.recordQuery(r, operation, req.FileID, len(req.PartNumbers), start, engine)

	sendJSON(w, http.StatusOK, map[string]any{
		"file_id":     req.FileID,
		"total_parts": len(results),
		"results":     results,
	})
}

func (s *Server) recordQuery(r *http.Request, operation string, fileID int64, partCount int, start time.Time, engine string) {
	s.store.RecordQuery(r.Context(), postgres.QueryLogEntry{
		Operation: operation,
		FileID:    fileID,
		PartCount: partCount,
		Latency:   time.Since(start),
		Engine:    engine,
	})
}
