package bench

// Grade points. Speed, result count and enrichment add up to at most 100.
const (
	maxSpeedPoints      = 40
	maxResultPoints     = 30
	maxEnrichmentPoints = 30
)

// GradeBreakdown is the point allocation behind a letter grade.
type GradeBreakdown struct {
	SpeedPoints      int    `json:"speed_points"`
	ResultPoints     int    `json:"result_points"`
	EnrichmentPoints int    `json:"enrichment_points"`
	Total            int    `json:"total"`
	Letter           string `json:"letter"`
}

func speedPoints(latencyMS float64) int {
	switch {
	case latencyMS <= 50:
		return 40
	case latencyMS <= 100:
		return 35
	case latencyMS <= 200:
		return 30
	case latencyMS <= 500:
		return 20
	default:
		return 10
	}
}

func resultPoints(results float64) int {
	switch {
	case results >= 15:
		return 30
	case results >= 10:
		return 25
	case results >= 5:
		return 20
	case results >= 1:
		return 10
	default:
		return 0
	}
}

func enrichmentPoints(features float64) int {
	switch {
	case features >= 50:
		return 30
	case features >= 25:
		return 25
	case features >= 10:
		return 20
	case features >= 1:
		return 10
	default:
		return 0
	}
}

func letter(total int) string {
	switch {
	case total >= 90:
		return "A"
	case total >= 80:
		return "B"
	case total >= 70:
		return "C"
	case total >= 60:
		return "D"
	default:
		return "F"
	}
}

// Grade allocates points for average latency, average result count and
// enrichment features found.
func Grade(latencyMS, results, features float64) GradeBreakdown {
	g := GradeBreakdown{
		SpeedPoints:      speedPoints(latencyMS),
		ResultPoints:     resultPoints(results),
		EnrichmentPoints: enrichmentPoints(features),
	}
	g.Total = g.SpeedPoints + g.ResultPoints + g.EnrichmentPoints
	g.Letter = letter(g.Total)
	return g
}

// FailedGrade is the grade of a side whose search failed. It earns no points,
// so an error can never outgrade a slow or sparse answer.
func FailedGrade() GradeBreakdown {
	return GradeBreakdown{Letter: letter(0)}
}
