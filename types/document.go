package types

// DocumentPool is a tenant-owned collection of documents backed by one vector namespace.
type DocumentPool struct {
	ID        string `bson:"_id" json:"id"`
	OwnerID   string `bson:"owner_id" json:"owner_id"`
	Name      string `bson:"name" json:"name"`
	CreatedAt int64  `bson:"created_at" json:"created_at"`
}

func (p *DocumentPool) Namespace() string {
	return Namespace(p.ID)
}

// SourceDocument is an uploaded file and the text extracted from it.
type SourceDocument struct {
	ID         string         `bson:"_id" json:"id"`
	PoolID     string         `bson:"pool_id" json:"pool_id"`
	OwnerID    string         `bson:"owner_id" json:"owner_id"`
	Title      string         `bson:"title" json:"title"`
	FileName   string         `bson:"file_name" json:"file_name"`
	MimeType   string         `bson:"mime_type" json:"mime_type"`
	Size       int64          `bson:"size" json:"size"`
	BlobKey    string         `bson:"blob_key,omitempty" json:"blob_key,omitempty"`
	Text       string         `bson:"text" json:"-"`
	Pages      []PageText     `bson:"pages,omitempty" json:"-"`
	Metadata   map[string]any `bson:"metadata" json:"metadata"`
	ChunkCount int            `bson:"chunk_count" json:"chunk_count"`
	CreatedAt  int64          `bson:"created_at" json:"created_at"`
	UpdatedAt  int64          `bson:"updated_at" json:"updated_at"`
}

// Chunk is a bounded slice of a document's text. Offsets count runes.
type Chunk struct {
	ID            string         `bson:"_id" json:"id"`
	SourceID      string         `bson:"source_id" json:"source_id"`
	PoolID        string         `bson:"pool_id" json:"pool_id"`
	Index         int            `bson:"index" json:"index"`
	TotalChunks   int            `bson:"total_chunks" json:"total_chunks"`
	Text          string         `bson:"content" json:"text"`
	StartOffset   int            `bson:"start_offset" json:"start_offset"`
	EndOffset     int            `bson:"end_offset" json:"end_offset"`
	EstimatedPage int            `bson:"estimated_page" json:"estimated_page"`
	WordCount     int            `bson:"word_count" json:"word_count"`
	Title         string         `bson:"title" json:"title"`
	Metadata      map[string]any `bson:"metadata" json:"metadata"`
}

// PageText is one page of pre-segmented text, usually produced by OCR.
// ImageDerived marks text recognized from a rendered image rather than read
// from a text layer.
type PageText struct {
	Number       int    `bson:"number" json:"number"`
	Text         string `bson:"text" json:"text"`
	ImageDerived bool   `bson:"image_derived,omitempty" json:"image_derived,omitempty"`
}

// OCRResult is the output of the OCR collaborator. ImageDerived means every
// page came from an image; per-page provenance is on PageText.
type OCRResult struct {
	Pages             []PageText
	ImageDescriptions []string
	ImageDerived      bool
}

// IngestRequest carries one uploaded file.
type IngestRequest struct {
	OwnerID  string
	PoolID   string
	FileName string
	MimeType string
	Data     []byte
	Metadata map[string]any
}

// IngestResult reports what an ingestion stored and which best-effort steps failed.
type IngestResult struct {
	Document *SourceDocument `json:"document"`
	Chunks   int             `json:"chunks"`
	Embedded int             `json:"embedded"`
	Warnings []Warning       `json:"warnings,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// CreatePoolResult is returned by pool creation; provisioning problems land in Warnings.
type CreatePoolResult struct {
	Pool     *DocumentPool `json:"pool"`
	Warnings []Warning     `json:"warnings,omitempty"`
}
