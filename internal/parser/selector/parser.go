// Package selector implements catalog.Parser with configurable CSS selectors.
package selector

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
)

// Config holds the selectors used to pull one listing page apart. Field
// selectors are evaluated inside each item container and accept a
// "selector@attr" form to read an attribute instead of the text. An empty
// selector before the "@" refers to the container itself.
type Config struct {
	Item         string `mapstructure:"item"`
	ID           string `mapstructure:"id"`
	Brand        string `mapstructure:"brand"`
	Quantity     string `mapstructure:"quantity"`
	Price        string `mapstructure:"price"`
	WasPrice     string `mapstructure:"was_price"`
	Availability string `mapstructure:"availability"`
	// Markdown marks an item as a generic markdown when it matches anything.
	Markdown string `mapstructure:"markdown"`
	// NoResults matches the page-level end-of-listing marker.
	NoResults string `mapstructure:"no_results"`
	// Keywords maps lower-case phrases found in the availability text to a classification.
	Keywords map[string]catalog.Availability `mapstructure:"keywords"`
}

// DefaultKeywords is used when Config.Keywords is empty.
var DefaultKeywords = map[string]catalog.Availability{
	"backorder":     catalog.AvailabilityBackordered,
	"back-order":    catalog.AvailabilityBackordered,
	"back order":    catalog.AvailabilityBackordered,
	"made to order": catalog.AvailabilityMadeToOrder,
	"made-to-order": catalog.AvailabilityMadeToOrder,
	"in stock":      catalog.AvailabilityInStock,
}

type keyword struct {
	phrase string
	class  catalog.Availability
}

type field struct {
	sel  string
	attr string
}

// Parser extracts ObservedRecords from listing markup.
type Parser struct {
	item      string
	noResults string
	markdown  string
	id        field
	brand     field
	quantity  field
	price     field
	wasPrice  field
	avail     field
	keywords  []keyword
}

// New validates cfg and builds a Parser.
func New(cfg Config) (*Parser, error) {
	if strings.TrimSpace(cfg.Item) == "" {
		return nil, errors.New("item selector is required")
	}
	if strings.TrimSpace(cfg.ID) == "" {
		return nil, errors.New("id selector is required")
	}
	kw := cfg.Keywords
	if len(kw) == 0 {
		kw = DefaultKeywords
	}
	keywords := make([]keyword, 0, len(kw))
	for phrase, class := range kw {
		phrase = strings.ToLower(strings.TrimSpace(phrase))
		if phrase == "" {
			continue
		}
		if !class.Valid() {
			return nil, fmt.Errorf("keyword %q maps to unknown availability %q", phrase, class)
		}
		keywords = append(keywords, keyword{phrase: phrase, class: class})
	}
	// Longest phrase first so "not made to order" style phrases beat their substrings.
	sort.Slice(keywords, func(i, j int) bool {
		if len(keywords[i].phrase) != len(keywords[j].phrase) {
			return len(keywords[i].phrase) > len(keywords[j].phrase)
		}
		return keywords[i].phrase < keywords[j].phrase
	})

	return &Parser{
		item:      cfg.Item,
		noResults: strings.TrimSpace(cfg.NoResults),
		markdown:  strings.TrimSpace(cfg.Markdown),
		id:        parseField(cfg.ID),
		brand:     parseField(cfg.Brand),
		quantity:  parseField(cfg.Quantity),
		price:     parseField(cfg.Price),
		wasPrice:  parseField(cfg.WasPrice),
		avail:     parseField(cfg.Availability),
		keywords:  keywords,
	}, nil
}

func parseField(raw string) field {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return field{}
	}
	if idx := strings.LastIndex(raw, "@"); idx >= 0 {
		return field{sel: strings.TrimSpace(raw[:idx]), attr: strings.TrimSpace(raw[idx+1:])}
	}
	return field{sel: raw}
}

// Parse returns the records on one page. A page with no records and no
// end-of-listing marker is reported as catalog.ErrAmbiguousPage.
func (p *Parser) Parse(markup []byte) (catalog.ParseResult, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(markup))
	if err != nil {
		return catalog.ParseResult{}, fmt.Errorf("parse markup: %w", err)
	}

	var result catalog.ParseResult
	if p.noResults != "" && doc.Find(p.noResults).Length() > 0 {
		result.NoResults = true
	}

	doc.Find(p.item).Each(func(_ int, s *goquery.Selection) {
		result.Records = append(result.Records, p.record(s))
	})

	if len(result.Records) == 0 && !result.NoResults {
		return result, catalog.ErrAmbiguousPage
	}
	return result, nil
}

func (p *Parser) record(s *goquery.Selection) catalog.ObservedRecord {
	rec := catalog.ObservedRecord{
		ID:           extract(s, p.id),
		Brand:        extract(s, p.brand),
		Quantity:     extract(s, p.quantity),
		Price:        extract(s, p.price),
		WasPrice:     extract(s, p.wasPrice),
		Availability: p.classify(extract(s, p.avail)),
	}
	if p.markdown != "" {
		rec.GenericMarkdown = s.Find(p.markdown).Length() > 0 || s.Is(p.markdown)
	}
	return rec
}

func (p *Parser) classify(text string) catalog.Availability {
	text = strings.ToLower(strings.Join(strings.Fields(text), " "))
	for _, kw := range p.keywords {
		if strings.Contains(text, kw.phrase) {
			return kw.class
		}
	}
	return catalog.AvailabilityInStock
}

func extract(s *goquery.Selection, f field) string {
	if f.sel == "" && f.attr == "" {
		return ""
	}
	target := s
	if f.sel != "" {
		target = s.Find(f.sel).First()
	}
	if target.Length() == 0 {
		return ""
	}
	if f.attr != "" {
		v, _ := target.Attr(f.attr)
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(target.Text())
}
