// Package ingestion accepts picture uploads: the description is appended to
// the caption index and the picture is stored under the id the index
// assigned. It also exposes retrieval, deletion and flush to the front end.
package ingestion

import "time"

// UploadRequest is one picture as received from an HTTP form or the upload
// topic. Description is the caption text that gets indexed.
type UploadRequest struct {
	Filename    string `json:"filename"`
	Mimetype    string `json:"mimetype"`
	Description string `json:"description"`
	Payload     []byte `json:"payload"`
}

// UploadResponse is returned to the caller once the picture is stored.
type UploadResponse struct {
	ID       uint64 `json:"id"`
	Filename string `json:"filename"`
	Flushed  bool   `json:"flushed"`
}

// UploadEvent is the JSON message on the uploads topic. Payload is base64
// encoded by encoding/json.
type UploadEvent struct {
	Filename    string    `json:"filename"`
	Mimetype    string    `json:"mimetype"`
	Description string    `json:"description"`
	Payload     []byte    `json:"payload"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

func (e UploadEvent) Request() UploadRequest {
	return UploadRequest{
		Filename:    e.Filename,
		Mimetype:    e.Mimetype,
		Description: e.Description,
		Payload:     e.Payload,
	}
}
