package bench

import "math"

// Significance labels how consistently the candidate improved.
type Significance string

const (
	Significant    Significance = "significant"
	Marginal       Significance = "marginal"
	NotSignificant Significance = "not_significant"
)

// SignificanceMethod documents what the significance label means.
const SignificanceMethod = "sign-test heuristic: share of queries where the candidate scored higher " +
	"(>0.7 significant, >0.5 marginal); not a formal hypothesis test"

// SideSummary aggregates one side across all queries.
type SideSummary struct {
	Corpus             string         `json:"corpus"`
	Wins               int            `json:"wins"`
	Errors             int            `json:"errors"`
	AverageScore       float64        `json:"average_score"`
	AverageLatencyMS   float64        `json:"average_latency_ms"`
	AverageResults     float64        `json:"average_results"`
	EnrichmentFeatures float64        `json:"enrichment_features"`
	Grades             map[string]int `json:"grades"`
}

// ComparisonReport summarizes a benchmark run.
type ComparisonReport struct {
	RunID             string       `json:"run_id,omitempty"`
	Queries           int          `json:"queries"`
	Baseline          SideSummary  `json:"baseline"`
	Candidate         SideSummary  `json:"candidate"`
	Ties              int          `json:"ties"`
	OverallWinner     Winner       `json:"overall_winner"`
	AverageScoreDelta float64      `json:"average_score_delta"`
	ImprovementRate   float64      `json:"improvement_rate"`
	Significance      Significance `json:"significance"`
	SignificanceNote  string       `json:"significance_method"`
	Results           []Result     `json:"results"`
}

// Summarize tallies per-query winners by majority vote, reporting a tie
// when both sides won equally often.
func Summarize(results []Result) ComparisonReport {
	r := ComparisonReport{
		Queries:          len(results),
		Baseline:         SideSummary{Grades: map[string]int{}},
		Candidate:        SideSummary{Grades: map[string]int{}},
		SignificanceNote: SignificanceMethod,
		Results:          results,
	}
	if len(results) > 0 {
		r.Baseline.Corpus = results[0].Baseline.Corpus
		r.Candidate.Corpus = results[0].Candidate.Corpus
	}

	improved := 0
	var deltaSum float64
	for _, res := range results {
		switch res.Winner {
		case WinnerBaseline:
			r.Baseline.Wins++
		case WinnerCandidate:
			r.Candidate.Wins++
		default:
			r.Ties++
		}
		if res.ScoreDelta > 0 {
			improved++
		}
		deltaSum += res.ScoreDelta
		accumulate(&r.Baseline, res.Baseline)
		accumulate(&r.Candidate, res.Candidate)
	}

	switch {
	case r.Candidate.Wins > r.Baseline.Wins:
		r.OverallWinner = WinnerCandidate
	case r.Baseline.Wins > r.Candidate.Wins:
		r.OverallWinner = WinnerBaseline
	default:
		r.OverallWinner = WinnerTie
	}

	if n := float64(len(results)); n > 0 {
		r.AverageScoreDelta = deltaSum / n
		r.ImprovementRate = float64(improved) / n
		finish(&r.Baseline, n)
		finish(&r.Candidate, n)
	}
	r.Significance = significance(r.ImprovementRate)
	return r
}

func significance(rate float64) Significance {
	switch {
	case rate > 0.7:
		return Significant
	case rate > 0.5:
		return Marginal
	default:
		return NotSignificant
	}
}

func accumulate(s *SideSummary, m Metrics) {
	if m.Status == StatusError {
		s.Errors++
	}
	s.AverageScore += score(m)
	s.AverageLatencyMS += m.LatencyMS
	s.AverageResults += m.ResultCount
	s.EnrichmentFeatures += m.EnrichmentFeatures
	s.Grades[m.Grade.Letter]++
}

func finish(s *SideSummary, n float64) {
	s.AverageScore = round2(s.AverageScore / n)
	s.AverageLatencyMS = round2(s.AverageLatencyMS / n)
	s.AverageResults = round2(s.AverageResults / n)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
