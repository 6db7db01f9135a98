package database

import "github.com/TobiSchelling/qapintel/internal/universe"

// Regulation is a tracked external regulation with its lifecycle state.
type Regulation struct {
	ID int64
	universe.ExternalRegulation
	Attempts             int
	LastError            *string
	Content              *string
	NestedReferenceCount int
	FirstSeenRun         *string
	LastSeenRun          *string
	UpdatedAt            *string
}

// UniverseSummary is a universe run without its spokes.
type UniverseSummary struct {
	RunID                   string
	SourceID                string
	Jurisdiction            string
	CreatedAt               string
	HubReferenceCount       int
	SpokeCount              int
	TotalEstimatedPages     int
	CoverageCompletenessPct *float64
}

// CorpusChunk is one stored chunk version.
type CorpusChunk struct {
	ID             int64
	Corpus         string
	ChunkID        string
	Version        int
	Content        string
	EmbeddingText  string
	Metadata       map[string]any
	ReferencesJSON string
	Embedding      []byte
	ContentHash    string
	Active         bool
	CreatedAt      *string
	RetiredAt      *string
}

// CorpusStats summarizes a corpus.
type CorpusStats struct {
	Corpus         string
	ActiveChunks   int
	RetiredChunks  int
	Jurisdictions  map[string]int
	EnrichedChunks int
}

// Ingestion run statuses.
const (
	IngestionRunning  = "running"
	IngestionComplete = "complete"
	IngestionFailed   = "failed"
)

// IngestionRun records one ingestion into a corpus.
type IngestionRun struct {
	RunID           string
	Corpus          string
	Jurisdiction    string
	DocumentVersion string
	Status          string
	Total           int
	Committed       int
	Error           *string
	StartedAt       *string
	FinishedAt      *string
}

// BenchmarkRun is a stored comparison report.
type BenchmarkRun struct {
	RunID         string
	Baseline      string
	Candidate     string
	Iterations    int
	OverallWinner string
	Significance  string
	ReportJSON    string
	CreatedAt     *string
}

// Stats holds overall database statistics.
type Stats struct {
	Universes       int
	Regulations     map[universe.Status]int
	ActiveChunks    int
	IngestionRuns   int
	BenchmarkRuns   int
	CacheEntries    int
	LastUniverseRun *string
}
