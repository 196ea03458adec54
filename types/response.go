package types

type DataResponse struct {
	Status  bool        `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type UploadResponse struct {
	Results []IngestResult `json:"results"`
}

type SearchResponse struct {
	Results []SearchResult `json:"results"`
}

type CountResponse struct {
	Count       int  `json:"count"`
	Approximate bool `json:"approximate"`
}
