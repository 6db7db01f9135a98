// Package ingest turns pre-segmented document sections into enriched corpus
// records and checks that an ingested corpus answers queries.
package ingest

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/TobiSchelling/qapintel/internal/citation"
	"github.com/TobiSchelling/qapintel/internal/corpus"
	"github.com/TobiSchelling/qapintel/internal/legal"
)

// BreadcrumbSeparator joins breadcrumb titles in metadata and embedding text.
const BreadcrumbSeparator = " > "

// RawChunk is one section produced by the external segmentation stage.
type RawChunk struct {
	ChunkID        string   `json:"chunk_id"`
	Content        string   `json:"content"`
	SectionTitle   string   `json:"section_title"`
	HierarchyLevel int      `json:"hierarchy_level"`
	Breadcrumb     []string `json:"breadcrumb"`
	PageNumber     int      `json:"page_number"`
}

// Chunk is a raw chunk plus its enrichment.
type Chunk struct {
	ChunkID               string                 `json:"chunk_id"`
	RawContent            string                 `json:"raw_content"`
	SectionTitle          string                 `json:"section_title"`
	HierarchyLevel        int                    `json:"hierarchy_level"`
	Breadcrumb            []string               `json:"breadcrumb"`
	EmbeddingText         string                 `json:"embedding_text"`
	ReferenceCounts       map[legal.Category]int `json:"reference_counts"`
	References            []legal.LegalReference `json:"references"`
	Entities              []Entity               `json:"entities"`
	JurisdictionCode      string                 `json:"jurisdiction_code"`
	SourceDocumentVersion string                 `json:"source_document_version"`
	PageNumber            int                    `json:"page_number"`
}

// TotalReferences is the number of citations found in the chunk.
func (c Chunk) TotalReferences() int {
	return len(c.References)
}

// Metadata returns the flat fields stored next to the chunk. Every value is a
// string, int or bool.
func (c Chunk) Metadata() map[string]any {
	m := map[string]any{
		"chunk_id":                c.ChunkID,
		"section_title":           c.SectionTitle,
		"hierarchy_level":         c.HierarchyLevel,
		"breadcrumb":              strings.Join(c.Breadcrumb, BreadcrumbSeparator),
		"has_breadcrumb":          len(c.Breadcrumb) > 0,
		"jurisdiction_code":       c.JurisdictionCode,
		"source_document_version": c.SourceDocumentVersion,
		"page_number":             c.PageNumber,
		"total_references":        c.TotalReferences(),
		"entity_count":            len(c.Entities),
	}
	for _, cat := range legal.Categories {
		m["ref_"+string(cat)] = c.ReferenceCounts[cat]
	}
	return m
}

type referenceDetail struct {
	References []legal.LegalReference `json:"references"`
	Entities   []Entity               `json:"entities"`
}

// ReferencesJSON encodes the structured reference and entity lists kept
// alongside the flat metadata.
func (c Chunk) ReferencesJSON() (string, error) {
	refs := c.References
	if refs == nil {
		refs = []legal.LegalReference{}
	}
	ents := c.Entities
	if ents == nil {
		ents = []Entity{}
	}
	b, err := json.Marshal(referenceDetail{References: refs, Entities: ents})
	if err != nil {
		return "", fmt.Errorf("encoding references for %s: %w", c.ChunkID, err)
	}
	return string(b), nil
}

// Document converts the chunk to a corpus record.
func (c Chunk) Document() (corpus.Document, error) {
	refs, err := c.ReferencesJSON()
	if err != nil {
		return corpus.Document{}, err
	}
	return corpus.Document{
		ID:             c.ChunkID,
		Content:        c.RawContent,
		EmbeddingText:  c.EmbeddingText,
		Metadata:       c.Metadata(),
		ReferencesJSON: refs,
	}, nil
}

// EmbeddingText prefixes content with its breadcrumb, when that differs from
// the section title, and with the section title, when content does not
// already contain it.
func EmbeddingText(content, sectionTitle string, breadcrumb []string) string {
	var parts []string
	crumb := strings.Join(breadcrumb, BreadcrumbSeparator)
	title := strings.TrimSpace(sectionTitle)
	if crumb != "" && crumb != title {
		parts = append(parts, crumb)
	}
	if title != "" && !strings.Contains(strings.ToLower(content), strings.ToLower(title)) {
		parts = append(parts, title)
	}
	parts = append(parts, content)
	return strings.Join(parts, "\n\n")
}

// Enrich classifies each raw chunk and attaches counts, entities and
// embedding text. It does not touch any store.
func Enrich(c *citation.Classifier, raw []RawChunk, jurisdiction, documentVersion string) []Chunk {
	jurisdiction = strings.ToUpper(strings.TrimSpace(jurisdiction))
	out := make([]Chunk, 0, len(raw))
	for _, r := range raw {
		refs := c.ClassifySection(r.ChunkID, r.Content, jurisdiction)
		out = append(out, Chunk{
			ChunkID:               r.ChunkID,
			RawContent:            r.Content,
			SectionTitle:          r.SectionTitle,
			HierarchyLevel:        r.HierarchyLevel,
			Breadcrumb:            r.Breadcrumb,
			EmbeddingText:         EmbeddingText(r.Content, r.SectionTitle, r.Breadcrumb),
			ReferenceCounts:       citation.CountByCategory(refs),
			References:            refs,
			Entities:              ExtractEntities(r.Content),
			JurisdictionCode:      jurisdiction,
			SourceDocumentVersion: documentVersion,
			PageNumber:            r.PageNumber,
		})
	}
	return out
}
