package ingest

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/TobiSchelling/qapintel/internal/citation"
	"github.com/TobiSchelling/qapintel/internal/corpus"
	"github.com/TobiSchelling/qapintel/internal/database"
)

// BatchError reports a partial ingestion. Batches committed before the
// failure stay in the corpus.
type BatchError struct {
	Committed int
	Total     int
	Err       error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("ingested %d of %d chunks: %v", e.Committed, e.Total, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// RunRecorder records ingestion runs. database.DB implements it.
type RunRecorder interface {
	StartIngestionRun(r database.IngestionRun) error
	FinishIngestionRun(runID, status string, committed int, runErr error) error
}

// Pipeline enriches raw chunks and writes them to a corpus store.
type Pipeline struct {
	classifier *citation.Classifier
	store      corpus.Store
	runs       RunRecorder
	batchSize  int
	newID      func() string
}

// NewPipeline creates a pipeline. runs may be nil when no run history is kept.
func NewPipeline(c *citation.Classifier, store corpus.Store, runs RunRecorder, batchSize int) *Pipeline {
	if batchSize <= 0 {
		batchSize = corpus.DefaultBatchSize
	}
	return &Pipeline{
		classifier: c,
		store:      store,
		runs:       runs,
		batchSize:  batchSize,
		newID:      uuid.NewString,
	}
}

// Ingest enriches raw and adds it to the store in fixed-size batches. It
// returns every enriched chunk; on a failed batch the error is a *BatchError
// carrying the number of chunks committed before it.
func (p *Pipeline) Ingest(ctx context.Context, raw []RawChunk, jurisdiction, documentVersion string) ([]Chunk, error) {
	chunks := Enrich(p.classifier, raw, jurisdiction, documentVersion)

	docs := make([]corpus.Document, 0, len(chunks))
	for _, c := range chunks {
		d, err := c.Document()
		if err != nil {
			return chunks, &BatchError{Total: len(chunks), Err: err}
		}
		docs = append(docs, d)
	}

	runID := p.newID()
	if p.runs != nil {
		if err := p.runs.StartIngestionRun(database.IngestionRun{
			RunID:           runID,
			Corpus:          p.store.Name(),
			Jurisdiction:    jurisdiction,
			DocumentVersion: documentVersion,
			Total:           len(docs),
		}); err != nil {
			return chunks, fmt.Errorf("recording ingestion run: %w", err)
		}
	}

	log.Printf("Ingesting %d chunks into %s (batch size %d)", len(docs), p.store.Name(), p.batchSize)
	committed, err := p.store.Add(ctx, docs, p.batchSize)
	status := database.IngestionComplete
	if err != nil {
		status = database.IngestionFailed
		err = &BatchError{Committed: committed, Total: len(docs), Err: err}
		log.Printf("Warning: %v", err)
	}

	if p.runs != nil {
		if ferr := p.runs.FinishIngestionRun(runID, status, committed, err); ferr != nil {
			log.Printf("Warning: recording end of ingestion run %s: %v", runID, ferr)
		}
	}
	if err != nil {
		return chunks, err
	}
	log.Printf("Ingested %d chunks into %s", committed, p.store.Name())
	return chunks, nil
}
