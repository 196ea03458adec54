package handler

import (
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tieubaoca/ragchat/service"
	"github.com/tieubaoca/ragchat/types"
)

type UploadHandler struct {
	ingestService *service.IngestService
}

func NewUploadHandler(ingestService *service.IngestService) *UploadHandler {
	return &UploadHandler{
		ingestService: ingestService,
	}
}

// UploadDocumentHandler ingests one or more multipart "file" parts into a
// pool. An optional "metadata" field carries UploadMetadata as JSON and
// applies to every file.
func (h *UploadHandler) UploadDocumentHandler(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		sendBadRequest(c, "Invalid multipart form")
		return
	}
	files := form.File["file"]
	if len(files) == 0 {
		sendBadRequest(c, "Invalid file")
		return
	}

	var meta types.UploadMetadata
	if raw := c.Request.FormValue("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			sendBadRequest(c, "Invalid metadata")
			return
		}
	}

	reqs := make([]types.IngestRequest, 0, len(files))
	for _, header := range files {
		req, err := h.ingestRequest(c, header, meta)
		if err != nil {
			sendBadRequest(c, "Invalid file "+header.Filename)
			return
		}
		reqs = append(reqs, req)
	}

	if len(reqs) == 1 {
		result, err := h.ingestService.Ingest(c.Request.Context(), reqs[0])
		if err != nil {
			sendError(c, err)
			return
		}
		sendSuccess(c, http.StatusCreated, types.UploadResponse{Results: []types.IngestResult{*result}})
		return
	}

	results := h.ingestService.IngestBatch(c.Request.Context(), reqs)
	sendSuccess(c, http.StatusOK, types.UploadResponse{Results: results})
}

func (h *UploadHandler) ingestRequest(c *gin.Context, header *multipart.FileHeader, meta types.UploadMetadata) (types.IngestRequest, error) {
	file, err := header.Open()
	if err != nil {
		return types.IngestRequest{}, err
	}
	defer file.Close()

	// One byte past the cap is enough for validation to reject it.
	data, err := io.ReadAll(io.LimitReader(file, h.ingestService.MaxUploadBytes()+1))
	if err != nil {
		return types.IngestRequest{}, err
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}

	metadata := make(map[string]any, len(meta.Metadata)+1)
	for k, v := range meta.Metadata {
		metadata[k] = v
	}
	if meta.Title != "" {
		metadata[types.META_TITLE] = meta.Title
	}

	return types.IngestRequest{
		OwnerID:  ownerID(c),
		PoolID:   c.Param("poolId"),
		FileName: header.Filename,
		MimeType: mimeType,
		Data:     data,
		Metadata: metadata,
	}, nil
}
