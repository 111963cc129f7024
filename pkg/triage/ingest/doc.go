package ingest

import (
	"errors"
	"strings"
	"time"
)

// Document is a normalized text record supplied by the ingestion
// collaborator. Text is already HTML-stripped. The engines never mutate it.
type Document struct {
	ID           string    `json:"id"`
	CanonicalURL string    `json:"canonical_url"`
	Title        string    `json:"title"`
	Text         string    `json:"text"`
	PublishedAt  time.Time `json:"published_at"`
	SourceDomain string    `json:"source_domain"`
}

// Validate checks if the document has required fields
func (d *Document) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("document id is required")
	}

	if strings.TrimSpace(d.CanonicalURL) == "" && strings.TrimSpace(d.Title) == "" {
		return errors.New("document needs a url or a title")
	}

	if d.PublishedAt.IsZero() {
		return errors.New("document published time is required")
	}

	return nil
}

// Body returns title and text joined the way matching sees them.
func (d *Document) Body() string {
	switch {
	case d.Title == "":
		return d.Text
	case d.Text == "":
		return d.Title
	default:
		return d.Title + "\n" + d.Text
	}
}
