// Package source reads documents handed over by the ingestion collaborator
// as JSON lines.
package source

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cognicore/triage/pkg/triage/ingest"
)

const maxLine = 4 << 20

// Item is one line of a feed export. Older exports use url/outlet; both
// spellings are accepted.
type Item struct {
	ID           string    `json:"id"`
	CanonicalURL string    `json:"canonical_url"`
	URL          string    `json:"url"`
	Title        string    `json:"title"`
	Text         string    `json:"text"`
	PublishedAt  time.Time `json:"published_at"`
	SourceDomain string    `json:"source_domain"`
	Outlet       string    `json:"outlet"`
}

// Document normalizes the item. A missing id is derived from the URL so
// re-reading the same export yields the same ids.
func (it Item) Document() ingest.Document {
	link := strings.TrimSpace(it.CanonicalURL)
	if link == "" {
		link = strings.TrimSpace(it.URL)
	}
	domain := strings.TrimSpace(it.SourceDomain)
	if domain == "" {
		domain = strings.TrimSpace(it.Outlet)
	}
	if domain == "" && link != "" {
		if u, err := url.Parse(link); err == nil {
			domain = u.Hostname()
		}
	}
	id := strings.TrimSpace(it.ID)
	if id == "" && link != "" {
		id = uuid.NewSHA1(uuid.NameSpaceURL, []byte(link)).String()
	}
	return ingest.Document{
		ID:           id,
		CanonicalURL: link,
		Title:        strings.TrimSpace(it.Title),
		Text:         it.Text,
		PublishedAt:  it.PublishedAt.UTC(),
		SourceDomain: strings.ToLower(domain),
	}
}

// LoadFromJSONL reads every document in the file at path.
func LoadFromJSONL(path string, logger *zap.Logger) ([]ingest.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if logger == nil {
		logger = zap.NewNop()
	}
	docs, err := Read(f, logger.With(zap.String("path", path)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return docs, nil
}

// Read decodes JSON lines from r. Malformed or invalid lines are logged and
// skipped; an input without a single usable document is an error.
func Read(r io.Reader, logger *zap.Logger) ([]ingest.Document, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)

	var docs []ingest.Document
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		var item Item
		if err := json.Unmarshal([]byte(line), &item); err != nil {
			logger.Warn("skipping malformed line", zap.Int("line", lineNo), zap.Error(err))
			continue
		}
		doc := item.Document()
		if err := doc.Validate(); err != nil {
			logger.Warn("skipping invalid document", zap.Int("line", lineNo), zap.Error(err))
			continue
		}
		docs = append(docs, doc)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read line %d: %w", lineNo+1, err)
	}

	if len(docs) == 0 {
		return nil, fmt.Errorf("no valid documents found")
	}
	return docs, nil
}
