package models

import "time"

// Object status values. Pending objects are still being uploaded and are
// never returned by catalog queries.
const (
	StatusPending  = "pending"
	StatusComplete = "complete"
)

// displayableTypes is the allow-list of content types rendered inline.
// Matching is exact on the stored content type string.
var displayableTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
}

// IsDisplayableType reports whether contentType is in the image allow-list
func IsDisplayableType(contentType string) bool {
	return displayableTypes[contentType]
}

// Object represents the metadata record of a stored object
type Object struct {
	ID            string    `json:"id"`
	Filename      string    `json:"filename"`
	ContentType   string    `json:"content_type"`
	Length        int64     `json:"length_bytes"`
	ChunkSize     int64     `json:"chunk_size"`
	ChunkCount    int       `json:"chunk_count"`
	SHA256        string    `json:"sha256,omitempty"`
	Status        string    `json:"-"`
	UploadTime    time.Time `json:"upload_time"`
	IsDisplayable bool      `json:"is_displayable"`
}

// Displayable computes the derived displayable flag from the content type.
func (o *Object) Displayable() bool {
	return IsDisplayableType(o.ContentType)
}

// Chunk represents the index row of one chunk of an object
type Chunk struct {
	ObjectID       string `json:"object_id"`
	SequenceNumber int    `json:"sequence_number"`
	Hash           string `json:"hash"`
	BlobKey        string `json:"blob_key"`
	Size           int64  `json:"size"`
}

// ChunkData holds chunk information during upload/download
type ChunkData struct {
	Data       []byte
	OrderIndex int
	Hash       string
	Size       int64
}
