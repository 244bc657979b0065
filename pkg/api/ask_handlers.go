package api

import (
	"net/http"
	"time"

	"github.com/partsearch/partsearch/pkg/llm"
	"github.com/partsearch/partsearch/pkg/search"
)

type askRequest struct {
	FileID   int64  `json:"file_id"`
	Question string `json:"question"`
}

// handleAsk answers a natural-language question about a dataset through
// the external query planner. A direct route runs an ordinary hybrid
// search for the planned term; sql and semantic routes return the
// planner's intent for the caller to apply. Planner failure degrades to
// a direct search of the raw question.
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	if s.planner == nil {
		sendError(w, http.StatusServiceUnavailable, "query planner is not configured")
		return
	}

	var req askRequest
	if err := decodeJSON(r, &req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Question == "" {
		sendError(w, http.StatusBadRequest, "question is required")
		return
	}
	if _, err := s.store.GetDataset(r.Context(), req.FileID); err != nil {
		sendDomainError(w, err)
		return
	}
	start := time.Now()

	plan, err := s.planner.Plan(r.Context(), req.Question, req.FileID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("planner failed, degrading to direct search")
		plan = &llm.Plan{Route: llm.RouteDirect}
	}

	response := map[string]any{
		"file_id":  req.FileID,
		"question": req.Question,
		"route":    plan.Route,
	}
	switch plan.Route {
	case llm.RouteSQL:
		response["sql"] = plan.SQL
	case llm.RouteSemantic:
		response["semantic_hits"] = plan.SemanticHits
	default:
		result := s.engine.SearchSingle(r.Context(), search.SingleRequest{
			FileID:   req.FileID,
			Part:     req.Question,
			Mode:     search.ModeHybrid,
			PageSize: s.config.DefaultPageSize,
		})
		response["result"] = result
	}

	s.recordQuery(r, "ask", req.FileID, 1, start, string(plan.Route))
	sendJSON(w, http.StatusOK, response)
}
