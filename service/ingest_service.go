package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tieubaoca/ragchat/database"
	"github.com/tieubaoca/ragchat/repository"
	"github.com/tieubaoca/ragchat/types"
	"github.com/tieubaoca/ragchat/utils"
)

const (
	DefaultMaxUploadBytes = 10 << 20

	embedConcurrency = 4
)

// reserved metadata keys are owned by ingestion and cannot be patched
var reservedMetadata = map[string]bool{
	types.META_SOURCE:    true,
	types.META_MIME_TYPE: true,
	types.META_FILE_NAME: true,
	types.META_POOL_ID:   true,
	types.META_SOURCE_ID: true,
	types.META_INDEX:     true,
	types.META_PAGE:      true,
}

// IngestService turns uploads into stored, chunked and embedded documents.
type IngestService struct {
	pools          repository.PoolRepo
	docs           repository.DocumentRepo
	blobs          database.BlobStore
	namespaces     *NamespaceService
	embedder       EmbeddingService
	chunker        *ChunkService
	ocr            OCRService
	maxUploadBytes int64
}

func NewIngestService(
	pools repository.PoolRepo,
	docs repository.DocumentRepo,
	blobs database.BlobStore,
	namespaces *NamespaceService,
	embedder EmbeddingService,
	chunker *ChunkService,
	ocr OCRService,
	maxUploadBytes int64,
) *IngestService {
	if maxUploadBytes <= 0 {
		maxUploadBytes = DefaultMaxUploadBytes
	}
	return &IngestService{
		pools:          pools,
		docs:           docs,
		blobs:          blobs,
		namespaces:     namespaces,
		embedder:       embedder,
		chunker:        chunker,
		ocr:            ocr,
		maxUploadBytes: maxUploadBytes,
	}
}

func (s *IngestService) MaxUploadBytes() int64 {
	return s.maxUploadBytes
}

type payloadKind int

const (
	payloadText payloadKind = iota
	payloadPDF
	payloadImage
)

func (s *IngestService) validate(req types.IngestRequest) (payloadKind, string, error) {
	if req.PoolID == "" {
		return 0, "", types.Validation("Ingest", "pool id is required")
	}
	if len(req.Data) == 0 {
		return 0, "", types.Validation("Ingest", "%s is empty", req.FileName)
	}
	if int64(len(req.Data)) > s.maxUploadBytes {
		return 0, "", types.Validation("Ingest", "%s exceeds the %d byte upload limit", req.FileName, s.maxUploadBytes)
	}
	switch {
	case IsPDF(req.MimeType, req.FileName):
		return payloadPDF, "", nil
	case IsImage(req.MimeType, req.FileName):
		return payloadImage, "", nil
	case IsText(req.MimeType, req.FileName) || req.MimeType == "":
		if !utf8.Valid(req.Data) {
			return 0, "", types.Validation("Ingest", "%s is not valid UTF-8 text", req.FileName)
		}
		text := strings.TrimSpace(utils.StripControlChars(string(req.Data)))
		if text == "" {
			return 0, "", types.Validation("Ingest", "%s contains no text", req.FileName)
		}
		return payloadText, text, nil
	}
	return 0, "", types.Validation("Ingest", "unsupported file type %q", req.MimeType)
}

func (s *IngestService) ownedPool(ctx context.Context, ownerID, poolID string) (*types.DocumentPool, error) {
	pool, err := s.pools.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if pool.OwnerID != ownerID {
		return nil, types.NotFound("Pool", "pool %s not found", poolID)
	}
	return pool, nil
}

// Ingest stores one upload. Blob storage, namespace provisioning and
// embedding are best effort; their failures are reported as warnings and the
// document stays keyword searchable.
func (s *IngestService) Ingest(ctx context.Context, req types.IngestRequest) (*types.IngestResult, error) {
	kind, text, err := s.validate(req)
	if err != nil {
		return nil, err
	}
	pool, err := s.ownedPool(ctx, req.OwnerID, req.PoolID)
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	fileName := utils.SanitizeFileName(req.FileName)
	doc := &types.SourceDocument{
		ID:        uuid.NewString(),
		PoolID:    pool.ID,
		OwnerID:   req.OwnerID,
		FileName:  fileName,
		MimeType:  req.MimeType,
		Size:      int64(len(req.Data)),
		Metadata:  map[string]any{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	for k, v := range req.Metadata {
		if !reservedMetadata[k] {
			doc.Metadata[k] = v
		}
	}
	doc.Title = strings.TrimSuffix(fileName, filepath.Ext(fileName))
	if title, ok := req.Metadata[types.META_TITLE].(string); ok && strings.TrimSpace(title) != "" {
		doc.Title = strings.TrimSpace(title)
	}
	result := &types.IngestResult{Document: doc}
	log := zap.L().With(zap.String("pool_id", pool.ID), zap.String("document_id", doc.ID))

	if s.blobs != nil {
		key := utils.BlobKey(pool.ID, doc.ID, fileName)
		if err := s.blobs.Put(ctx, key, req.MimeType, req.Data); err != nil {
			log.Warn("failed to store raw upload", zap.Error(err))
			result.Warnings = append(result.Warnings, types.NewWarning("StoreBlob", err))
		} else {
			doc.BlobKey = key
		}
	}

	var chunks []types.Chunk
	switch kind {
	case payloadText:
		doc.Metadata[types.META_SOURCE] = types.SOURCE_UPLOAD
		doc.Text = text
		chunks = s.chunker.Chunk(text, doc.ID)
	default:
		pages, err := s.extractPages(ctx, req)
		if err != nil {
			s.discardBlob(ctx, doc)
			return nil, err
		}
		doc.Metadata[types.META_SOURCE] = types.SOURCE_OCR_PDF
		if kind == payloadImage || allImageDerived(pages) {
			doc.Metadata[types.META_SOURCE] = types.SOURCE_OCR_IMAGE
		}
		doc.Pages = pages
		doc.Text = JoinPages(pages)
		chunks = s.chunker.ChunkByPages(pages, doc.ID)
	}
	if len(chunks) == 0 {
		s.discardBlob(ctx, doc)
		return nil, types.Validation("Ingest", "no text could be extracted from %s", req.FileName)
	}
	doc.Metadata[types.META_MIME_TYPE] = req.MimeType
	doc.Metadata[types.META_FILE_NAME] = fileName
	s.decorateChunks(doc, chunks)
	doc.ChunkCount = len(chunks)

	if err := s.docs.CreateDocument(ctx, doc); err != nil {
		s.discardBlob(ctx, doc)
		return nil, err
	}
	if err := s.docs.SaveChunks(ctx, chunks); err != nil {
		s.discardDocument(ctx, doc)
		return nil, err
	}
	result.Chunks = len(chunks)

	embedded, warnings := s.embedChunks(ctx, pool.ID, chunks)
	result.Embedded = embedded
	result.Warnings = append(result.Warnings, warnings...)
	log.Info("document ingested",
		zap.Int("chunks", result.Chunks),
		zap.Int("embedded", result.Embedded),
		zap.Int("warnings", len(result.Warnings)))
	return result, nil
}

func (s *IngestService) extractPages(ctx context.Context, req types.IngestRequest) ([]types.PageText, error) {
	if s.ocr == nil {
		return nil, types.Upstream("OCR", fmt.Errorf("no OCR collaborator configured"))
	}
	ocr, err := s.ocr.Extract(ctx, req.FileName, req.MimeType, req.Data)
	if err != nil {
		return nil, types.Upstream("OCR", err)
	}
	pages := make([]types.PageText, 0, len(ocr.Pages)+len(ocr.ImageDescriptions))
	for _, p := range ocr.Pages {
		text := strings.TrimSpace(utils.StripControlChars(p.Text))
		if text != "" {
			pages = append(pages, types.PageText{
				Number:       p.Number,
				Text:         text,
				ImageDerived: p.ImageDerived || ocr.ImageDerived,
			})
		}
	}
	for i, desc := range ocr.ImageDescriptions {
		if desc = strings.TrimSpace(desc); desc != "" {
			pages = append(pages, types.PageText{Number: len(ocr.Pages) + i + 1, Text: desc, ImageDerived: true})
		}
	}
	return pages, nil
}

func allImageDerived(pages []types.PageText) bool {
	for _, p := range pages {
		if !p.ImageDerived {
			return false
		}
	}
	return len(pages) > 0
}

func (s *IngestService) discardBlob(ctx context.Context, doc *types.SourceDocument) {
	if s.blobs == nil || doc.BlobKey == "" {
		return
	}
	if err := s.blobs.Delete(context.WithoutCancel(ctx), doc.BlobKey); err != nil {
		zap.L().Warn("failed to discard raw upload", zap.String("key", doc.BlobKey), zap.Error(err))
	}
}

// discardDocument rolls back a document whose chunks could not be saved.
func (s *IngestService) discardDocument(ctx context.Context, doc *types.SourceDocument) {
	ctx = context.WithoutCancel(ctx)
	if err := s.docs.DeleteChunksBySource(ctx, doc.ID); err != nil {
		zap.L().Warn("failed to discard partial chunks", zap.String("document_id", doc.ID), zap.Error(err))
	}
	if err := s.docs.DeleteDocument(ctx, doc.ID); err != nil {
		zap.L().Warn("failed to discard document", zap.String("document_id", doc.ID), zap.Error(err))
	}
	s.discardBlob(ctx, doc)
}

func (s *IngestService) decorateChunks(doc *types.SourceDocument, chunks []types.Chunk) {
	for i := range chunks {
		c := &chunks[i]
		c.PoolID = doc.PoolID
		c.Title = doc.Title
		metadata := make(map[string]any, len(doc.Metadata)+len(c.Metadata))
		for k, v := range doc.Metadata {
			metadata[k] = v
		}
		for k, v := range c.Metadata {
			metadata[k] = v
		}
		c.Metadata = metadata
	}
}

// embedChunks embeds and upserts every chunk. It never fails; problems come
// back as warnings and the affected chunks stay keyword-only.
func (s *IngestService) embedChunks(ctx context.Context, poolID string, chunks []types.Chunk) (int, []types.Warning) {
	if s.namespaces == nil || s.embedder == nil {
		return 0, []types.Warning{{Op: "Embed", Message: "semantic indexing is not configured"}}
	}
	if err := s.namespaces.EnsureNamespace(ctx, poolID); err != nil {
		zap.L().Warn("namespace provisioning failed", zap.String("pool_id", poolID), zap.Error(err))
		return 0, []types.Warning{types.NewWarning("EnsureNamespace", err)}
	}

	vectors := make([][]float32, len(chunks))
	var (
		mu       sync.Mutex
		failed   int
		firstErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)
	for i, c := range chunks {
		i, c := i, c
		g.Go(func() error {
			vec, err := s.embedder.Embed(gctx, c.Text)
			if err != nil {
				mu.Lock()
				failed++
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return nil
			}
			vectors[i] = vec
			return nil
		})
	}
	_ = g.Wait()

	var warnings []types.Warning
	if failed > 0 {
		zap.L().Warn("chunks left without embeddings", zap.String("pool_id", poolID), zap.Int("failed", failed), zap.Error(firstErr))
		warnings = append(warnings, types.Warning{
			Op:      "Embed",
			Message: fmt.Sprintf("%d of %d chunks were not embedded: %v", failed, len(chunks), firstErr),
		})
	}

	records := make([]types.VectorRecord, 0, len(chunks))
	for i, c := range chunks {
		if vectors[i] == nil {
			continue
		}
		records = append(records, types.VectorRecord{
			ID:       c.ID,
			Vector:   vectors[i],
			Metadata: repository.ChunkMetadata(c),
			RawText:  c.Text,
		})
	}
	if len(records) == 0 {
		return 0, warnings
	}
	if err := s.namespaces.UpsertBatch(ctx, poolID, records); err != nil {
		zap.L().Warn("vector upsert failed", zap.String("pool_id", poolID), zap.Error(err))
		return 0, append(warnings, types.NewWarning("Upsert", err))
	}
	return len(records), warnings
}

// IngestBatch ingests every request, continuing past failures.
func (s *IngestService) IngestBatch(ctx context.Context, reqs []types.IngestRequest) []types.IngestResult {
	results := make([]types.IngestResult, 0, len(reqs))
	for _, req := range reqs {
		res, err := s.Ingest(ctx, req)
		if err != nil {
			zap.L().Warn("ingestion failed", zap.String("file", req.FileName), zap.Error(err))
			results = append(results, types.IngestResult{
				Document: &types.SourceDocument{FileName: req.FileName, PoolID: req.PoolID},
				Error:    err.Error(),
			})
			continue
		}
		results = append(results, *res)
	}
	return results
}

func (s *IngestService) ownedDocument(ctx context.Context, ownerID, poolID, docID string) (*types.SourceDocument, error) {
	if _, err := s.ownedPool(ctx, ownerID, poolID); err != nil {
		return nil, err
	}
	doc, err := s.docs.GetDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	if doc.PoolID != poolID {
		return nil, types.NotFound("Document", "document %s not found", docID)
	}
	return doc, nil
}

func (s *IngestService) Documents(ctx context.Context, ownerID, poolID string) ([]*types.SourceDocument, error) {
	if _, err := s.ownedPool(ctx, ownerID, poolID); err != nil {
		return nil, err
	}
	return s.docs.ListDocuments(ctx, poolID)
}

func (s *IngestService) Document(ctx context.Context, ownerID, poolID, docID string) (*types.SourceDocument, error) {
	return s.ownedDocument(ctx, ownerID, poolID, docID)
}

// Raw returns the original upload of a document.
func (s *IngestService) Raw(ctx context.Context, ownerID, poolID, docID string) (*types.SourceDocument, []byte, string, error) {
	doc, err := s.ownedDocument(ctx, ownerID, poolID, docID)
	if err != nil {
		return nil, nil, "", err
	}
	if s.blobs == nil || doc.BlobKey == "" {
		return nil, nil, "", types.NotFound("RawDocument", "no stored upload for document %s", docID)
	}
	data, contentType, err := s.blobs.Get(ctx, doc.BlobKey)
	if err != nil {
		if errors.Is(err, database.ErrBlobNotFound) {
			return nil, nil, "", types.NotFound("RawDocument", "no stored upload for document %s", docID)
		}
		return nil, nil, "", types.Upstream("RawDocument", err)
	}
	if contentType == "" {
		contentType = doc.MimeType
	}
	return doc, data, contentType, nil
}

// DeleteDocument removes vectors first so a failed delete can be retried.
func (s *IngestService) DeleteDocument(ctx context.Context, ownerID, poolID, docID string) error {
	doc, err := s.ownedDocument(ctx, ownerID, poolID, docID)
	if err != nil {
		return err
	}
	chunks, err := s.docs.GetChunksBySource(ctx, doc.ID)
	if err != nil {
		return err
	}
	if s.namespaces != nil && len(chunks) > 0 {
		ids := make([]string, 0, len(chunks))
		for _, c := range chunks {
			ids = append(ids, c.ID)
		}
		if err := s.namespaces.Delete(ctx, poolID, ids); err != nil {
			return err
		}
	}
	if err := s.docs.DeleteChunksBySource(ctx, doc.ID); err != nil {
		return err
	}
	if s.blobs != nil && doc.BlobKey != "" {
		if err := s.blobs.Delete(ctx, doc.BlobKey); err != nil {
			zap.L().Warn("failed to delete raw upload", zap.String("key", doc.BlobKey), zap.Error(err))
		}
	}
	return s.docs.DeleteDocument(ctx, doc.ID)
}

// PatchMetadata merges metadata into a document and its chunks, then
// refreshes the document's vectors so filters see the new values.
func (s *IngestService) PatchMetadata(ctx context.Context, ownerID, poolID, docID string, patch map[string]any) (*types.IngestResult, error) {
	if len(patch) == 0 {
		return nil, types.Validation("PatchMetadata", "metadata is required")
	}
	for k := range patch {
		if k == "" || strings.ContainsAny(k, ".$") {
			return nil, types.Validation("PatchMetadata", "invalid metadata key %q", k)
		}
		if reservedMetadata[k] {
			return nil, types.Validation("PatchMetadata", "metadata key %q is reserved", k)
		}
	}
	if _, err := s.ownedDocument(ctx, ownerID, poolID, docID); err != nil {
		return nil, err
	}
	if err := s.docs.UpdateDocumentMetadata(ctx, docID, patch); err != nil {
		return nil, err
	}
	return s.Reindex(ctx, ownerID, poolID, docID)
}

// Reindex replaces a document's vectors with fresh embeddings of its stored chunks.
func (s *IngestService) Reindex(ctx context.Context, ownerID, poolID, docID string) (*types.IngestResult, error) {
	doc, err := s.ownedDocument(ctx, ownerID, poolID, docID)
	if err != nil {
		return nil, err
	}
	chunks, err := s.docs.GetChunksBySource(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	result := &types.IngestResult{Document: doc, Chunks: len(chunks)}
	if s.namespaces != nil && len(chunks) > 0 {
		ids := make([]string, 0, len(chunks))
		for _, c := range chunks {
			ids = append(ids, c.ID)
		}
		if err := s.namespaces.Delete(ctx, poolID, ids); err != nil {
			return nil, err
		}
	}
	result.Embedded, result.Warnings = s.embedChunks(ctx, poolID, chunks)
	return result, nil
}
