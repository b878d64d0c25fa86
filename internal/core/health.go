// Package core provides connection quality scoring.
//
// INVARIANTS:
// - Quality is OBSERVATIONAL only: it never changes IsOnline
// - A failed or timed-out probe rates the link poor
// - Probe timeout never exceeds 5s
package core

import (
	"time"

	"github.com/cropdoc/cropdoc/internal/model"
	"github.com/cropdoc/cropdoc/internal/provider"
)

// Probe latency thresholds.
const (
	ExcellentLatency = 200 * time.Millisecond
	GoodLatency      = 500 * time.Millisecond
	MaxProbeTimeout  = 5 * time.Second
)

// QualityFromSnapshot rates a link from the OS-reported details alone.
func QualityFromSnapshot(snap provider.NetworkSnapshot) model.ConnectionQuality {
	if !snap.Connected {
		return model.QualityPoor
	}
	switch d := snap.Details.(type) {
	case model.WifiDetails:
		if d.Strength != nil && *d.Strength > 80 {
			return model.QualityExcellent
		}
		return model.QualityGood
	case model.CellularDetails:
		if d.Generation == "5g" {
			return model.QualityExcellent
		}
		return model.QualityGood
	case model.OtherDetails:
		if d.Kind() == model.ConnectionEthernet {
			return model.QualityExcellent
		}
	}
	return model.QualityPoor
}

// QualityFromLatency rates a link from a probe round trip.
func QualityFromLatency(latency time.Duration, err error) model.ConnectionQuality {
	switch {
	case err != nil:
		return model.QualityPoor
	case latency < ExcellentLatency:
		return model.QualityExcellent
	case latency < GoodLatency:
		return model.QualityGood
	default:
		return model.QualityPoor
	}
}

// RecommendedTimeout suggests a request timeout for the given quality.
func RecommendedTimeout(q model.ConnectionQuality) time.Duration {
	switch q {
	case model.QualityExcellent:
		return 10 * time.Second
	case model.QualityGood:
		return 20 * time.Second
	case model.QualityPoor:
		return 30 * time.Second
	default:
		return 15 * time.Second
	}
}

// GetQualityDescription returns a human-readable description of a quality rating.
func GetQualityDescription(q model.ConnectionQuality) string {
	switch q {
	case model.QualityExcellent:
		return "Excellent - fast and stable"
	case model.QualityGood:
		return "Good - usable for uploads"
	case model.QualityPoor:
		return "Poor - expect slow or failed requests"
	default:
		return "Unknown"
	}
}
