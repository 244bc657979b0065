package api

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
)

// appendChunkSize is the unit in which a direct upload is spooled to the
// session temp file.
const appendChunkSize = 1 << 20

func (s *Server) handleDirectUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		sendError(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	session, err := s.registry.Init(r.Context(), header.Filename,
		header.Header.Get("Content-Type"), header.Size)
	if err != nil {
		sendDomainError(w, err)
		return
	}

	buf := make([]byte, appendChunkSize)
	part := 0
	for {
		n, readErr := file.Read(buf)
		if n > 0 {
			part++
			if _, err := s.registry.AppendPart(session.ID, part, buf[:n]); err != nil {
				sendDomainError(w, err)
				return
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			sendError(w, http.StatusBadRequest, "failed to read upload body")
			return
		}
	}

	completed, err := s.registry.Complete(r.Context(), session.ID)
	if err != nil {
		sendDomainError(w, err)
		return
	}
	s.jobs.Enqueue(completed.FileID, completed.TempPath, completed.Filename)

	sendJSON(w, http.StatusOK, map[string]any{
		"file_id": completed.FileID,
		"status":  "processing",
	})
}

type multipartInitRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

func (s *Server) handleMultipartInit(w http.ResponseWriter, r *http.Request) {
	var req multipartInitRequest
	if err := decodeJSON(r, &req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Filename == "" {
		sendError(w, http.StatusBadRequest, "filename is required")
		return
	}

	session, err := s.registry.Init(r.Context(), req.Filename, req.ContentType, req.Size)
	if err != nil {
		sendDomainError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, session)
}

func (s *Server) handleMultipartPart(w http.ResponseWriter, r *http.Request) {
	uploadID := r.URL.Query().Get("upload_id")
	if uploadID == "" {
		sendError(w, http.StatusBadRequest, "upload_id is required")
		return
	}
	partNumber, _ := strconv.Atoi(r.URL.Query().Get("part_number"))

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	body, err := readChunk(r)
	if err != nil {
		sendError(w, http.StatusBadRequest, "failed to read chunk body")
		return
	}
	if len(body) == 0 {
		sendError(w, http.StatusBadRequest, "empty chunk")
		return
	}

	session, err := s.registry.AppendPart(uploadID, partNumber, body)
	if err != nil {
		sendDomainError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, session)
}

// readChunk accepts the part bytes either as a raw body or as a
// multipart 'chunk' field.
func readChunk(r *http.Request) ([]byte, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		file, _, err := r.FormFile("chunk")
		if err != nil {
			return nil, err
		}
		defer file.Close()
		return io.ReadAll(file)
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

type multipartCompleteRequest struct {
	UploadID string `json:"upload_id"`
}

func (s *Server) handleMultipartComplete(w http.ResponseWriter, r *http.Request) {
	var req multipartCompleteRequest
	if err := decodeJSON(r, &req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := s.registry.Complete(r.Context(), req.UploadID)
	if err != nil {
		sendDomainError(w, err)
		return
	}
	s.jobs.Enqueue(session.FileID, session.TempPath, session.Filename)

	sendJSON(w, http.StatusOK, map[string]any{
		"file_id": session.FileID,
		"status":  "processing",
	})
}

func (s *Server) handleCancelUpload(w http.ResponseWriter, r *http.Request) {
	fileID := pathID(r)
	if err := s.registry.Cancel(r.Context(), fileID); err != nil {
		sendDomainError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{
		"file_id": fileID,
		"status":  "cancelled",
	})
}

func (s *Server) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	datasets, err := s.store.ListDatasets(r.Context())
	if err != nil {
		sendDomainError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{"datasets": datasets})
}

func (s *Server) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	dataset, err := s.store.GetDataset(r.Context(), pathID(r))
	if err != nil {
		sendDomainError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, dataset)
}

func (s *Server) handleDeleteDataset(w http.ResponseWriter, r *http.Request) {
	fileID := pathID(r)
	if err := s.store.DeleteDataset(r.Context(), fileID); err != nil {
		sendDomainError(w, err)
		return
	}

	// The index partition and miss filter go with the rows. Cached
	// results for the dataset age out with their TTL.
	if s.idx != nil {
		if err := s.idx.DeleteDataset(r.Context(), fileID); err != nil {
			s.logger.Warn().Err(err).Int64("file_id", fileID).
				Msg("index partition delete failed")
		}
	}
	if s.filters != nil {
		s.filters.Remove(fileID)
	}

	sendJSON(w, http.StatusOK, map[string]any{
		"file_id": fileID,
		"status":  "deleted",
	})
}

func (s *Server) handleDatasetRows(w http.ResponseWriter, r *http.Request) {
	fileID := pathID(r)
	if _, err := s.store.GetDataset(r.Context(), fileID); err != nil {
		sendDomainError(w, err)
		return
	}

	page, pageSize := s.pagination(r)
	rows, err := s.store.DatasetRows(r.Context(), fileID, (page-1)*pageSize, pageSize)
	if err != nil {
		sendDomainError(w, err)
		return
	}
	total, err := s.store.DatasetRowCount(r.Context(), fileID)
	if err != nil {
		sendDomainError(w, err)
		return
	}

	totalPages := (total + int64(pageSize) - 1) / int64(pageSize)
	sendJSON(w, http.StatusOK, map[string]any{
		"file_id":     fileID,
		"rows":        rows,
		"page":        page,
		"page_size":   pageSize,
		"total_rows":  total,
		"total_pages": totalPages,
	})
}

func pathID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id
}

func (s *Server) pagination(r *http.Request) (page, pageSize int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ = strconv.Atoi(r.URL.Query().Get("page_size"))
	if pageSize < 1 {
		pageSize = s.config.DefaultPageSize
	}
	return page, pageSize
}
