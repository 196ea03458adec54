package service

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tieubaoca/ragchat/types"
)

const DefaultMaxCharsPerChunk = 5000

// PageSeparator joins page texts into one document text.
const PageSeparator = "\n\n"

// ChunkService splits document text into fixed-width, non-overlapping
// windows. Offsets and widths count runes.
type ChunkService struct {
	maxCharsPerChunk int
}

type ChunkOption func(*ChunkService)

func WithMaxCharsPerChunk(n int) ChunkOption {
	return func(s *ChunkService) {
		if n > 0 {
			s.maxCharsPerChunk = n
		}
	}
}

func NewChunkService(opts ...ChunkOption) *ChunkService {
	s := &ChunkService{maxCharsPerChunk: DefaultMaxCharsPerChunk}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ChunkService) MaxCharsPerChunk() int {
	return s.maxCharsPerChunk
}

// chunkBuilder buffers chunks until the document is complete so that no
// chunk leaves without its TotalChunks.
type chunkBuilder struct {
	baseID string
	chunks []types.Chunk
}

func (b *chunkBuilder) add(text string, start, end, page int, metadata map[string]any) {
	index := len(b.chunks)
	b.chunks = append(b.chunks, types.Chunk{
		ID:            ChunkID(b.baseID, index),
		SourceID:      b.baseID,
		Index:         index,
		Text:          text,
		StartOffset:   start,
		EndOffset:     end,
		EstimatedPage: page,
		WordCount:     len(strings.Fields(text)),
		Metadata:      metadata,
	})
}

// extend folds a whitespace-only window into the previous chunk.
func (b *chunkBuilder) extend(end int) {
	if len(b.chunks) == 0 {
		return
	}
	b.chunks[len(b.chunks)-1].EndOffset = end
}

func (b *chunkBuilder) finalize() []types.Chunk {
	out := make([]types.Chunk, len(b.chunks))
	copy(out, b.chunks)
	for i := range out {
		out[i].TotalChunks = len(out)
	}
	b.chunks = nil
	return out
}

// split walks runes[from:to] in windows; base is the offset of runes[0] in
// the document. page < 0 numbers windows by chunk index.
func (s *ChunkService) split(b *chunkBuilder, runes []rune, base, page int, metadata func() map[string]any) {
	for start := 0; start < len(runes); start += s.maxCharsPerChunk {
		end := start + s.maxCharsPerChunk
		if end > len(runes) {
			end = len(runes)
		}
		text := strings.TrimSpace(string(runes[start:end]))
		if text == "" {
			b.extend(base + end)
			continue
		}
		p := page
		if p < 0 {
			p = len(b.chunks) + 1
		}
		b.add(text, base+start, base+end, p, metadata())
	}
}

// Chunk splits text into chunks whose [StartOffset, EndOffset) ranges tile
// the trimmed text. Empty or whitespace-only input yields no chunks.
func (s *ChunkService) Chunk(text, baseID string) []types.Chunk {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return []types.Chunk{}
	}
	b := &chunkBuilder{baseID: baseID}
	s.split(b, []rune(trimmed), 0, -1, func() map[string]any { return nil })
	return b.finalize()
}

// ChunkByPages keeps short pages whole and sub-splits long ones. Every chunk
// carries its page number, and chunks of image-derived pages are tagged with
// the image source. Offsets refer to JoinPages(pages).
func (s *ChunkService) ChunkByPages(pages []types.PageText, baseID string) []types.Chunk {
	b := &chunkBuilder{baseID: baseID}
	offset := 0
	first := true
	for _, page := range pages {
		text := strings.TrimSpace(page.Text)
		if text == "" {
			continue
		}
		if !first {
			offset += utf8.RuneCountInString(PageSeparator)
		}
		first = false

		runes := []rune(text)
		number := page.Number
		imageDerived := page.ImageDerived
		s.split(b, runes, offset, number, func() map[string]any {
			metadata := map[string]any{types.META_PAGE: number}
			if imageDerived {
				metadata[types.META_SOURCE] = types.SOURCE_OCR_IMAGE
			}
			return metadata
		})
		offset += len(runes)
	}
	return b.finalize()
}

// JoinPages is the document text the offsets of ChunkByPages refer to.
func JoinPages(pages []types.PageText) string {
	parts := make([]string, 0, len(pages))
	for _, page := range pages {
		if text := strings.TrimSpace(page.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, PageSeparator)
}

func ChunkID(baseID string, index int) string {
	return fmt.Sprintf("%s_%d", baseID, index)
}
