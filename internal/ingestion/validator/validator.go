// Package validator checks picture uploads before they reach the index and
// returns per-field error details.
package validator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/econaxis/imgrepo/internal/indexer/tokenizer"
	"github.com/econaxis/imgrepo/internal/ingestion"
)

const (
	maxFilenameLength    = 255
	maxDescriptionLength = 64 << 10
)

// ValidationError holds per-field validation failure messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", field, msg))
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

// ValidateUpload checks filename, description and payload. Descriptions
// must be 7-bit ASCII because that is what the index stores.
func ValidateUpload(req *ingestion.UploadRequest) error {
	errs := make(map[string]string)

	filename := strings.TrimSpace(req.Filename)
	switch {
	case filename == "":
		errs["filename"] = "filename is required"
	case len(filename) > maxFilenameLength:
		errs["filename"] = fmt.Sprintf("filename must be at most %d bytes", maxFilenameLength)
	case strings.ContainsAny(filename, "/\\\x00"):
		errs["filename"] = "filename must not contain path separators"
	}

	switch {
	case strings.TrimSpace(req.Description) == "":
		errs["description"] = "description is required"
	case len(req.Description) > maxDescriptionLength:
		errs["description"] = fmt.Sprintf("description must be at most %d bytes", maxDescriptionLength)
	default:
		if err := tokenizer.ValidateASCII([]byte(req.Description)); err != nil {
			errs["description"] = err.Error()
		}
	}

	if len(req.Payload) == 0 {
		errs["payload"] = "picture payload must not be empty"
	}

	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}
