package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/zirenlegend/EverMemOS-sub001/internal/application/usecase"
	"github.com/zirenlegend/EverMemOS-sub001/internal/domain/entity"
	"github.com/zirenlegend/EverMemOS-sub001/internal/domain/repository"
	"github.com/zirenlegend/EverMemOS-sub001/internal/domain/service"
	apperrors "github.com/zirenlegend/EverMemOS-sub001/pkg/errors"
)

// MemoryHandler 记忆接口处理器
type MemoryHandler struct {
	svc    *usecase.MemoryService
	logger *zap.Logger
}

// NewMemoryHandler 创建处理器
func NewMemoryHandler(svc *usecase.MemoryService, logger *zap.Logger) *MemoryHandler {
	return &MemoryHandler{
		svc:    svc,
		logger: logger.With(zap.String("component", "memory-handler")),
	}
}

// Memorize POST /api/v1/memories
func (h *MemoryHandler) Memorize(c *gin.Context) {
	var msg entity.RawMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		respondError(c, apperrors.NewInvalidParameter("invalid message body: "+err.Error()))
		return
	}

	result, err := h.svc.Memorize(c.Request.Context(), msg)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, result)
}

// Fetch GET /api/v1/memories
func (h *MemoryHandler) Fetch(c *gin.Context) {
	q, err := parseFetchQuery(c)
	if err != nil {
		respondError(c, err)
		return
	}

	records, total, err := h.svc.Fetch(c.Request.Context(), q)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{
		"memories":    records,
		"total_count": total,
		"has_more":    int64(q.Offset+len(records)) < total,
		"limit":       q.Limit,
		"offset":      q.Offset,
	})
}

// GetByEventID GET /api/v1/memories/:event_id
func (h *MemoryHandler) GetByEventID(c *gin.Context) {
	rec, err := h.svc.GetByEventID(c.Request.Context(), c.Param("event_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, rec)
}

// Search GET /api/v1/memories/search
func (h *MemoryHandler) Search(c *gin.Context) {
	req, err := parseRetrievalQuery(c)
	if err != nil {
		respondError(c, err)
		return
	}

	resp, err := h.svc.Search(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, resp)
}

// retrievalBody 代理检索请求体
type retrievalBody struct {
	Query                 string `json:"query" binding:"required"`
	Mode                  string `json:"retrieval_mode"`
	TopK                  int    `json:"top_k"`
	UserID                string `json:"user_id"`
	GroupID               string `json:"group_id"`
	Scope                 string `json:"memory_scope"`
	CurrentTime           string `json:"current_time"`
	DisableValidityFilter bool   `json:"disable_validity_filter"`
}

// RetrieveLightweight POST /api/v1/agentic/retrieve_lightweight
// 单轮混合检索，语义等同 GET search，供代理侧统一 POST 调用。
func (h *MemoryHandler) RetrieveLightweight(c *gin.Context) {
	req, err := bindRetrievalBody(c)
	if err != nil {
		respondError(c, err)
		return
	}

	resp, err := h.svc.Search(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, resp)
}

// RetrieveAgentic POST /api/v1/agentic/retrieve_agentic
func (h *MemoryHandler) RetrieveAgentic(c *gin.Context) {
	req, err := bindRetrievalBody(c)
	if err != nil {
		respondError(c, err)
		return
	}

	resp, err := h.svc.AgenticSearch(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, resp)
}

// UpsertMeta POST /api/v1/memories/conversation-meta
func (h *MemoryHandler) UpsertMeta(c *gin.Context) {
	var meta entity.ConversationMeta
	if err := c.ShouldBindJSON(&meta); err != nil {
		respondError(c, apperrors.NewInvalidParameter("invalid meta body: "+err.Error()))
		return
	}
	if meta.GroupID == "" {
		respondError(c, apperrors.NewInvalidParameter("group_id is required"))
		return
	}

	if err := h.svc.UpsertMeta(c.Request.Context(), &meta); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, meta)
}

// PatchMeta PATCH /api/v1/memories/conversation-meta/:group_id
func (h *MemoryHandler) PatchMeta(c *gin.Context) {
	var patch map[string]any
	if err := c.ShouldBindJSON(&patch); err != nil {
		respondError(c, apperrors.NewInvalidParameter("invalid patch body: "+err.Error()))
		return
	}

	meta, err := h.svc.PatchMeta(c.Request.Context(), c.Param("group_id"), patch)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, meta)
}

// GetMeta GET /api/v1/memories/conversation-meta/:group_id
func (h *MemoryHandler) GetMeta(c *gin.Context) {
	meta, err := h.svc.GetMeta(c.Request.Context(), c.Param("group_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, meta)
}

// QueueStats GET /api/v1/queue-stats
// 带 group_id 返回该组缓冲统计，并附调度器全局快照
func (h *MemoryHandler) QueueStats(c *gin.Context) {
	out := gin.H{"dispatcher": h.svc.DispatcherStats()}

	if groupID := c.Query("group_id"); groupID != "" {
		stats, err := h.svc.QueueStats(c.Request.Context(), groupID)
		if err != nil {
			respondError(c, err)
			return
		}
		out["queue"] = stats
	}
	respondOK(c, out)
}

// 请求解析

func parseFetchQuery(c *gin.Context) (repository.FetchQuery, error) {
	q := repository.FetchQuery{
		Filters: repository.Filters{
			UserID:  c.Query("user_id"),
			GroupID: c.Query("group_id"),
			Scope:   entity.MemoryScope(c.DefaultQuery("memory_scope", string(entity.ScopeAll))),
			Kind:    entity.RecordKind(c.Query("kind")),
		},
		Type:       entity.MemoryType(c.Query("memory_type")),
		Sort:       repository.SortOrder(c.DefaultQuery("sort", string(repository.SortDesc))),
		LatestOnly: c.Query("latest_only") == "true",
	}
	q.VersionRange[0] = c.Query("version_start")
	q.VersionRange[1] = c.Query("version_end")

	var err error
	if q.Limit, err = parseIntParam(c, "limit", 20); err != nil {
		return q, err
	}
	if q.Offset, err = parseIntParam(c, "offset", 0); err != nil {
		return q, err
	}

	tr, err := parseTimeRange(c.Query("start_time"), c.Query("end_time"))
	if err != nil {
		return q, err
	}
	q.TimeRange = tr
	return q, nil
}

func parseRetrievalQuery(c *gin.Context) (service.RetrievalRequest, error) {
	req := service.RetrievalRequest{
		Query: c.Query("query"),
		Mode:  entity.RetrievalMode(c.Query("retrieval_mode")),
		Filters: repository.Filters{
			UserID:  c.Query("user_id"),
			GroupID: c.Query("group_id"),
			Scope:   entity.MemoryScope(c.DefaultQuery("memory_scope", string(entity.ScopeAll))),
		},
		DisableValidityFilter: c.Query("disable_validity_filter") == "true",
	}

	var err error
	if req.TopK, err = parseIntParam(c, "top_k", 0); err != nil {
		return req, err
	}
	if ct := c.Query("current_time"); ct != "" {
		t, err := time.Parse(time.RFC3339, ct)
		if err != nil {
			return req, apperrors.NewInvalidParameter("current_time must be RFC3339 with explicit offset")
		}
		req.CurrentTime = t
	}
	return req, nil
}

func bindRetrievalBody(c *gin.Context) (service.RetrievalRequest, error) {
	var body retrievalBody
	if err := c.ShouldBindJSON(&body); err != nil {
		return service.RetrievalRequest{}, apperrors.NewInvalidParameter("invalid retrieval body: " + err.Error())
	}

	req := service.RetrievalRequest{
		Query: body.Query,
		Mode:  entity.RetrievalMode(body.Mode),
		TopK:  body.TopK,
		Filters: repository.Filters{
			UserID:  body.UserID,
			GroupID: body.GroupID,
			Scope:   entity.MemoryScope(body.Scope),
		},
		DisableValidityFilter: body.DisableValidityFilter,
	}
	if req.Filters.Scope == "" {
		req.Filters.Scope = entity.ScopeAll
	}
	if body.CurrentTime != "" {
		t, err := time.Parse(time.RFC3339, body.CurrentTime)
		if err != nil {
			return req, apperrors.NewInvalidParameter("current_time must be RFC3339 with explicit offset")
		}
		req.CurrentTime = t
	}
	return req, nil
}

func parseIntParam(c *gin.Context, name string, fallback int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, apperrors.NewInvalidParameter(name + " must be a non-negative integer")
	}
	return v, nil
}

func parseTimeRange(start, end string) (*entity.TimeRange, error) {
	if start == "" && end == "" {
		return nil, nil
	}
	tr := &entity.TimeRange{}
	if start != "" {
		t, err := time.Parse(time.RFC3339, start)
		if err != nil {
			return nil, apperrors.NewInvalidParameter("start_time must be RFC3339 with explicit offset")
		}
		tr.Start = t
	}
	if end != "" {
		t, err := time.Parse(time.RFC3339, end)
		if err != nil {
			return nil, apperrors.NewInvalidParameter("end_time must be RFC3339 with explicit offset")
		}
		tr.End = t
	}
	return tr, nil
}

// 响应封套

func respondOK(c *gin.Context, result any) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"result": result,
	})
}

func respondError(c *gin.Context, err error) {
	code := apperrors.CodeOf(err)
	c.JSON(statusFor(code), gin.H{
		"status":    "failed",
		"code":      string(code),
		"message":   err.Error(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"path":      c.Request.URL.Path,
	})
}

func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.CodeInvalidParameter:
		return http.StatusBadRequest
	case apperrors.CodeNotFound:
		return http.StatusNotFound
	case apperrors.CodeOverloaded:
		return http.StatusTooManyRequests
	case apperrors.CodeBufferUnavailable:
		return http.StatusServiceUnavailable
	case apperrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
