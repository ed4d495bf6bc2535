package api

import (
	"sort"
	"time"

	"github.com/wavefix/wavefix/pkg/models"
)

// Health labels assigned to per-category evaluation rows.
const (
	HealthHealthy          = "healthy"
	HealthDegraded         = "degraded"
	HealthCritical         = "critical"
	HealthInsufficientData = "insufficient_data"
)

const minSessionsForHealth = 3

// acuMinutes is the duration-to-compute-unit proxy: one unit per 15 min.
const acuMinutes = 15.0

var confidenceValues = map[string]float64{
	"high":   1.0,
	"medium": 0.5,
	"low":    0.25,
}

// CategoryEval is one row of the evaluation view.
type CategoryEval struct {
	Category           string   `json:"category"`
	Total              int      `json:"total"`
	Succeeded          int      `json:"succeeded"`
	Failed             int      `json:"failed"`
	PassRate           float64  `json:"pass_rate"`
	AvgDurationMinutes *float64 `json:"avg_duration_minutes"`
	RetryCount         int      `json:"retry_count"`
	AvgConfidence      *float64 `json:"avg_confidence"`
	Health             string   `json:"health"`
}

// OpsMetrics is the timing/throughput/budget view of the latest run.
type OpsMetrics struct {
	P50DurationMinutes      *float64 `json:"p50_duration_minutes"`
	P95DurationMinutes      *float64 `json:"p95_duration_minutes"`
	AvgDurationMinutes      *float64 `json:"avg_duration_minutes"`
	MinDurationMinutes      *float64 `json:"min_duration_minutes"`
	MaxDurationMinutes      *float64 `json:"max_duration_minutes"`
	SessionsPerHour         *float64 `json:"sessions_per_hour"`
	ProjectedRemainingMin   *float64 `json:"projected_remaining_minutes"`
	EstimatedACUUsed        *float64 `json:"estimated_acu_used"`
	EstimatedACUBudget      float64  `json:"estimated_acu_budget"`
	ACUBurnRatePerHour      *float64 `json:"acu_burn_rate_per_hour"`
	CurrentWave             int      `json:"current_wave"`
	ElapsedMinutes          float64  `json:"elapsed_minutes"`
}

var healthRank = map[string]int{
	HealthCritical:         0,
	HealthDegraded:         1,
	HealthInsufficientData: 2,
	HealthHealthy:          3,
}

// EvaluateRun computes per-category metrics over a run, sorted critical
// first.
func EvaluateRun(run *models.BatchRun) []CategoryEval {
	type agg struct {
		total, succeeded, failed, retries int
		durations                         []float64
		confidences                       []float64
	}
	byCategory := map[string]*agg{}

	for _, wave := range run.Waves {
		for _, sess := range wave.Sessions {
			cat := string(sess.Finding.Category)
			a, ok := byCategory[cat]
			if !ok {
				a = &agg{}
				byCategory[cat] = a
			}
			a.total++
			switch sess.Status {
			case models.StatusSuccess:
				a.succeeded++
			case models.StatusFailed, models.StatusTimeout, models.StatusBlocked:
				a.failed++
			}
			if sess.Attempt > 1 {
				a.retries++
			}
			if sess.CreatedAt != nil && sess.CompletedAt != nil {
				a.durations = append(a.durations, sess.CompletedAt.Sub(*sess.CreatedAt).Minutes())
			}
			if conf := sess.StructuredOutput.Confidence(); conf != "" {
				if v, ok := confidenceValues[conf]; ok {
					a.confidences = append(a.confidences, v)
				}
			}
		}
	}

	rows := make([]CategoryEval, 0, len(byCategory))
	for cat, a := range byCategory {
		row := CategoryEval{
			Category:   cat,
			Total:      a.total,
			Succeeded:  a.succeeded,
			Failed:     a.failed,
			RetryCount: a.retries,
		}
		if a.total > 0 {
			row.PassRate = float64(a.succeeded) / float64(a.total)
		}
		if avg := mean(a.durations); avg != nil {
			row.AvgDurationMinutes = avg
		}
		if avg := mean(a.confidences); avg != nil {
			row.AvgConfidence = avg
		}
		switch {
		case a.total < minSessionsForHealth:
			row.Health = HealthInsufficientData
		case row.PassRate >= 0.8:
			row.Health = HealthHealthy
		case row.PassRate >= 0.5:
			row.Health = HealthDegraded
		default:
			row.Health = HealthCritical
		}
		rows = append(rows, row)
	}

	sort.SliceStable(rows, func(i, j int) bool {
		ri, rj := healthRank[rows[i].Health], healthRank[rows[j].Health]
		if ri != rj {
			return ri < rj
		}
		return rows[i].Category < rows[j].Category
	})
	return rows
}

// ComputeOps derives the operational metrics of a run. Metrics with empty
// inputs are reported null.
func ComputeOps(run *models.BatchRun, maxACUPerSession int, now time.Time) OpsMetrics {
	var durations []float64
	completed := 0
	currentWave := 0

	for _, wave := range run.Waves {
		hasNonPending := false
		for _, sess := range wave.Sessions {
			if sess.Status != models.StatusPending {
				hasNonPending = true
			}
			if !sess.Status.IsTerminal() {
				continue
			}
			completed++
			if sess.CreatedAt != nil && sess.CompletedAt != nil {
				durations = append(durations, sess.CompletedAt.Sub(*sess.CreatedAt).Minutes())
			}
		}
		if hasNonPending && wave.WaveNumber > currentWave {
			currentWave = wave.WaveNumber
		}
	}

	elapsed := now.Sub(run.StartedAt).Minutes()
	if elapsed < 0 {
		elapsed = 0
	}

	ops := OpsMetrics{
		EstimatedACUBudget: float64(run.TotalFindings * maxACUPerSession),
		CurrentWave:        currentWave,
		ElapsedMinutes:     elapsed,
	}

	if len(durations) > 0 {
		sorted := append([]float64(nil), durations...)
		sort.Float64s(sorted)
		ops.P50DurationMinutes = ptr(nearestRank(sorted, 50))
		ops.P95DurationMinutes = ptr(nearestRank(sorted, 95))
		ops.AvgDurationMinutes = mean(durations)
		ops.MinDurationMinutes = ptr(sorted[0])
		ops.MaxDurationMinutes = ptr(sorted[len(sorted)-1])

		acuUsed := 0.0
		for _, d := range durations {
			acuUsed += d / acuMinutes
		}
		ops.EstimatedACUUsed = ptr(acuUsed)
		if elapsed > 1 { // minimum elapsed guard
			ops.ACUBurnRatePerHour = ptr(acuUsed / (elapsed / 60))
		}
	}

	if completed > 0 && elapsed > 1 {
		perHour := float64(completed) / (elapsed / 60)
		ops.SessionsPerHour = ptr(perHour)
		if remaining := run.TotalFindings - completed; remaining > 0 && perHour > 0 {
			ops.ProjectedRemainingMin = ptr(float64(remaining) / perHour * 60)
		}
	}
	return ops
}

// nearestRank returns the percentile by the nearest-rank method over a
// sorted slice.
func nearestRank(sorted []float64, percentile int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := (percentile*len(sorted) + 99) / 100 // ceil(p/100 * n)
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

func mean(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return ptr(sum / float64(len(values)))
}

func ptr(v float64) *float64 { return &v }
