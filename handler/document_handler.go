package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tieubaoca/ragchat/service"
	"github.com/tieubaoca/ragchat/types"
)

type DocumentHandler struct {
	ingestService *service.IngestService
}

func NewDocumentHandler(ingestService *service.IngestService) *DocumentHandler {
	return &DocumentHandler{
		ingestService: ingestService,
	}
}

func (h *DocumentHandler) HandleList(c *gin.Context) {
	docs, err := h.ingestService.Documents(c.Request.Context(), ownerID(c), c.Param("poolId"))
	if err != nil {
		sendError(c, err)
		return
	}
	sendSuccess(c, http.StatusOK, docs)
}

func (h *DocumentHandler) HandleGet(c *gin.Context) {
	doc, err := h.ingestService.Document(c.Request.Context(), ownerID(c), c.Param("poolId"), c.Param("docId"))
	if err != nil {
		sendError(c, err)
		return
	}
	sendSuccess(c, http.StatusOK, doc)
}

// ServeDocument streams the original upload back inline.
func (h *DocumentHandler) ServeDocument(c *gin.Context) {
	doc, data, contentType, err := h.ingestService.Raw(c.Request.Context(), ownerID(c), c.Param("poolId"), c.Param("docId"))
	if err != nil {
		sendError(c, err)
		return
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Content-Disposition", fmt.Sprintf("inline; filename=%q", doc.FileName))
	c.Data(http.StatusOK, contentType, data)
}

func (h *DocumentHandler) HandleDelete(c *gin.Context) {
	if err := h.ingestService.DeleteDocument(c.Request.Context(), ownerID(c), c.Param("poolId"), c.Param("docId")); err != nil {
		sendError(c, err)
		return
	}
	sendSuccess(c, http.StatusOK, nil)
}

func (h *DocumentHandler) HandlePatchMetadata(c *gin.Context) {
	var req types.PatchMetadataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendBadRequest(c, "Invalid request body")
		return
	}
	result, err := h.ingestService.PatchMetadata(c.Request.Context(), ownerID(c), c.Param("poolId"), c.Param("docId"), req.Metadata)
	if err != nil {
		sendError(c, err)
		return
	}
	sendSuccess(c, http.StatusOK, result)
}

func (h *DocumentHandler) HandleReindex(c *gin.Context) {
	result, err := h.ingestService.Reindex(c.Request.Context(), ownerID(c), c.Param("poolId"), c.Param("docId"))
	if err != nil {
		sendError(c, err)
		return
	}
	sendSuccess(c, http.StatusOK, result)
}
