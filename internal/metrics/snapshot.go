package metrics

import (
	"time"
)

// Snapshot summarises the collectors for the health and metrics endpoints.
type Snapshot struct {
	UptimeSeconds      float64 `json:"uptime_seconds"`
	AIRequests         int64   `json:"ai_requests"`
	AISuccessful       int64   `json:"ai_successful"`
	AITimeouts         int64   `json:"ai_timeouts"`
	AIFailed           int64   `json:"ai_failed"`
	SuccessRate        float64 `json:"success_rate"`
	TimeoutRate        float64 `json:"timeout_rate"`
	AvgLatencyMS       float64 `json:"avg_latency_ms"`
	CacheHits          int64   `json:"cache_hits"`
	CacheMisses        int64   `json:"cache_misses"`
	CacheHitRate       float64 `json:"cache_hit_rate"`
	AvgConfidence      float64 `json:"avg_ai_confidence"`
	Parses             int64   `json:"parses"`
	ParseFailures      int64   `json:"parse_failures"`
	FallbackCount      int64   `json:"fallback_count"`
	LowConfidenceCount int64   `json:"low_confidence_count"`
	Corrections        int64   `json:"corrections"`
	HTTPRequests       int64   `json:"http_requests"`
}

// Snapshot gathers the registry and derives the rates. A nil *Metrics
// yields the zero Snapshot.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	s := Snapshot{UptimeSeconds: time.Since(m.start).Seconds()}

	families, err := m.registry.Gather()
	if err != nil {
		return s
	}

	var latencySum, confSum float64
	var latencyCount, confCount uint64
	for _, mf := range families {
		name := mf.GetName()
		for _, mt := range mf.GetMetric() {
			label := ""
			if lp := mt.GetLabel(); len(lp) > 0 {
				label = lp[0].GetValue()
			}
			v := int64(mt.GetCounter().GetValue())
			switch name {
			case namespace + "_ai_requests_total":
				s.AIRequests += v
				switch label {
				case OutcomeSuccess:
					s.AISuccessful += v
				case OutcomeTimeout:
					s.AITimeouts += v
					s.AIFailed += v
				default:
					s.AIFailed += v
				}
			case namespace + "_ai_cache_lookups_total":
				if label == "hit" {
					s.CacheHits += v
				} else {
					s.CacheMisses += v
				}
			case namespace + "_ai_request_duration_seconds":
				latencySum += mt.GetHistogram().GetSampleSum()
				latencyCount += mt.GetHistogram().GetSampleCount()
			case namespace + "_ai_confidence":
				confSum += mt.GetHistogram().GetSampleSum()
				confCount += mt.GetHistogram().GetSampleCount()
			case namespace + "_parses_total":
				s.Parses += v
			case namespace + "_parse_failures_total":
				s.ParseFailures += v
			case namespace + "_ai_fallback_total":
				s.FallbackCount += v
			case namespace + "_low_confidence_drafts_total":
				s.LowConfidenceCount += v
			case namespace + "_corrections_total":
				s.Corrections += v
			case namespace + "_http_requests_total":
				s.HTTPRequests += v
			}
		}
	}

	s.SuccessRate = ratio(s.AISuccessful, s.AIRequests)
	s.TimeoutRate = ratio(s.AITimeouts, s.AIRequests)
	s.CacheHitRate = ratio(s.CacheHits, s.CacheHits+s.CacheMisses)
	if latencyCount > 0 {
		s.AvgLatencyMS = latencySum / float64(latencyCount) * 1000
	}
	if confCount > 0 {
		s.AvgConfidence = confSum / float64(confCount)
	}
	return s
}

func ratio(n, d int64) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}
