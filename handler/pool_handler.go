package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tieubaoca/ragchat/service"
	"github.com/tieubaoca/ragchat/types"
)

type PoolHandler struct {
	poolService *service.PoolService
}

func NewPoolHandler(poolService *service.PoolService) *PoolHandler {
	return &PoolHandler{poolService: poolService}
}

func (h *PoolHandler) HandleCreate(c *gin.Context) {
	var req types.CreatePoolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendBadRequest(c, "Invalid request body")
		return
	}
	result, err := h.poolService.Create(c.Request.Context(), ownerID(c), req.Name)
	if err != nil {
		sendError(c, err)
		return
	}
	sendSuccess(c, http.StatusCreated, result)
}

func (h *PoolHandler) HandleList(c *gin.Context) {
	pools, err := h.poolService.List(c.Request.Context(), ownerID(c))
	if err != nil {
		sendError(c, err)
		return
	}
	sendSuccess(c, http.StatusOK, pools)
}

func (h *PoolHandler) HandleGet(c *gin.Context) {
	pool, err := h.poolService.Get(c.Request.Context(), ownerID(c), c.Param("poolId"))
	if err != nil {
		sendError(c, err)
		return
	}
	sendSuccess(c, http.StatusOK, pool)
}

func (h *PoolHandler) HandleDelete(c *gin.Context) {
	if err := h.poolService.Delete(c.Request.Context(), ownerID(c), c.Param("poolId")); err != nil {
		sendError(c, err)
		return
	}
	sendSuccess(c, http.StatusOK, nil)
}

// HandleRecords pages through a pool's stored vectors with ?cursor=&limit=.
func (h *PoolHandler) HandleRecords(c *gin.Context) {
	opts := types.RangeOptions{Cursor: c.Query("cursor")}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			sendBadRequest(c, "limit must be a non-negative integer")
			return
		}
		opts.Limit = limit
	}

	page, err := h.poolService.Records(c.Request.Context(), ownerID(c), c.Param("poolId"), opts)
	if err != nil {
		sendError(c, err)
		return
	}
	sendSuccess(c, http.StatusOK, page)
}

func (h *PoolHandler) HandleCount(c *gin.Context) {
	count, err := h.poolService.Count(c.Request.Context(), ownerID(c), c.Param("poolId"))
	if err != nil {
		sendError(c, err)
		return
	}
	sendSuccess(c, http.StatusOK, count)
}

func (h *PoolHandler) HandleSearch(c *gin.Context) {
	var req types.SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendBadRequest(c, "Invalid request body")
		return
	}
	results, err := h.poolService.Search(c.Request.Context(), ownerID(c), c.Param("poolId"), req)
	if err != nil {
		sendError(c, err)
		return
	}
	sendSuccess(c, http.StatusOK, types.SearchResponse{Results: results})
}
