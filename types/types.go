package types

// Metadata keys shared by chunks, vector records and search results.
const (
	META_SOURCE    = "source"
	META_MIME_TYPE = "mimeType"
	META_PAGE      = "page"
	META_FILE_NAME = "fileName"
	META_TITLE     = "title"
	META_POOL_ID   = "poolId"
	META_SOURCE_ID = "sourceId"
	META_INDEX     = "chunkIndex"
)

// Values of META_SOURCE.
const (
	SOURCE_UPLOAD    = "upload"
	SOURCE_OCR_PDF   = "ocr-pdf"
	SOURCE_OCR_IMAGE = "ocr-image"
)

const NamespacePrefix = "pool-"

// Namespace returns the isolated vector namespace of a pool.
func Namespace(poolID string) string {
	return NamespacePrefix + poolID
}

// IsImageDerived reports whether metadata marks content extracted from an image.
func IsImageDerived(metadata map[string]any) bool {
	if metadata == nil {
		return false
	}
	if src, ok := metadata[META_SOURCE].(string); ok && src == SOURCE_OCR_IMAGE {
		return true
	}
	return false
}
