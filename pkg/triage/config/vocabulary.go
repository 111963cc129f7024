package config

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/cognicore/triage/pkg/triage/ingest"
	"github.com/cognicore/triage/pkg/triage/internalerr"
	"github.com/cognicore/triage/pkg/triage/keyword"
	"github.com/cognicore/triage/pkg/triage/lexicon"
)

// Vocabulary is the keyword file: target terms, context terms and the
// entity taxonomy used when the oracle is unavailable.
type Vocabulary struct {
	Keywords     []keyword.Definition `yaml:"keywords"`
	ContextTerms []string             `yaml:"context_terms"`
	// LexiconPath names an optional alias-group file, relative to the
	// vocabulary file.
	LexiconPath string   `yaml:"lexicon_path"`
	Entities    Entities `yaml:"entities"`

	lexicon *lexicon.Lexicon
}

// Entities lists named entities per bucket: name -> keywords naming it.
type Entities struct {
	Actors   map[string][]string `yaml:"actors"`
	Products map[string][]string `yaml:"products"`
	Sectors  map[string][]string `yaml:"sectors"`
	Regions  map[string][]string `yaml:"regions"`
}

// LoadVocabulary reads and parses the vocabulary at path. caseSensitive
// applies to the lexicon file only; the index applies it to everything
// else.
func LoadVocabulary(path string, caseSensitive bool) (*Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}

	var v Vocabulary
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, internalerr.Configf("vocabulary", "parse %s: %v", path, err)
	}
	if len(v.Keywords) == 0 {
		return nil, internalerr.Configf("vocabulary.keywords", "%s defines no keywords", path)
	}

	if v.LexiconPath != "" {
		lp := v.LexiconPath
		if !filepath.IsAbs(lp) {
			lp = filepath.Join(filepath.Dir(path), lp)
		}
		lex, err := lexicon.LoadFromYAML(lp, caseSensitive)
		if err != nil {
			return nil, internalerr.Configf("vocabulary.lexicon_path", "%v", err)
		}
		v.lexicon = lex
	}
	return &v, nil
}

// Files returns the vocabulary's own dependent files, for watching.
func (v *Vocabulary) Files(path string) []string {
	files := []string{path}
	if v.LexiconPath != "" {
		lp := v.LexiconPath
		if !filepath.IsAbs(lp) {
			lp = filepath.Join(filepath.Dir(path), lp)
		}
		files = append(files, lp)
	}
	return files
}

// Index compiles the keyword index.
func (v *Vocabulary) Index(caseSensitive bool, logger *zap.Logger) (*keyword.Index, error) {
	return keyword.Build(v.Keywords, keyword.Options{
		CaseSensitive: caseSensitive,
		ContextTerms:  v.ContextTerms,
		Lexicon:       v.lexicon,
		Logger:        logger,
	})
}

// Taxonomy builds the entity extractor.
func (v *Vocabulary) Taxonomy() *ingest.Taxonomy {
	tax := ingest.NewTaxonomy()
	for name, keywords := range v.Entities.Actors {
		tax.AddActor(name, keywords)
	}
	for name, keywords := range v.Entities.Products {
		tax.AddProduct(name, keywords)
	}
	for name, keywords := range v.Entities.Sectors {
		tax.AddSector(name, keywords)
	}
	for name, keywords := range v.Entities.Regions {
		tax.AddRegion(name, keywords)
	}
	return tax
}
