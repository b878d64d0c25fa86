// Package core provides the route explainer.
//
// INVARIANTS:
// - Read-only operations only
// - NO side effects
// - Applies exactly the rule Classify applies
package core

import (
	"fmt"

	"github.com/cropdoc/cropdoc/internal/model"
)

// RouteExplanation says which path a classification would take right now.
type RouteExplanation struct {
	Category       model.Category `json:"category"`
	Path           string         `json:"path"` // "local" or "remote"
	Ready          bool           `json:"ready"`
	IsOnline       bool           `json:"is_online"`
	OfflineMode    bool           `json:"offline_mode"`
	ModelAvailable bool           `json:"model_available"`
	Reasons        []string       `json:"reasons"`
}

// Explain reports the route for category without running anything.
func (d *Dispatcher) Explain(category model.Category) (*RouteExplanation, error) {
	if !category.Valid() {
		return nil, fmt.Errorf("unsupported crop type %q", category)
	}
	state := d.conn.State()
	e := &RouteExplanation{
		Category:       category,
		IsOnline:       state.IsOnline,
		OfflineMode:    state.OfflineModeOverride,
		ModelAvailable: d.models != nil && d.models.IsAvailable(category),
	}

	switch {
	case state.OfflineModeOverride:
		e.Path = pathLocal
		e.Reasons = append(e.Reasons, "offline mode is on")
	case !state.IsOnline:
		e.Path = pathLocal
		e.Reasons = append(e.Reasons, "no internet connection")
	default:
		e.Path = pathRemote
		e.Reasons = append(e.Reasons, fmt.Sprintf("online via %s (%s quality)", state.ConnectionType, state.ConnectionQuality))
	}

	if e.Path == pathLocal {
		e.Ready = e.ModelAvailable
		if e.ModelAvailable {
			e.Reasons = append(e.Reasons, fmt.Sprintf("%s model is downloaded and loaded", category))
		} else {
			e.Reasons = append(e.Reasons, fmt.Sprintf("%s model is not downloaded, classification will fail", category))
		}
		e.Reasons = append(e.Reasons, "no personalised advice on this path")
	} else {
		e.Ready = d.backend != nil
		if state.ConnectionQuality == model.QualityPoor {
			e.Reasons = append(e.Reasons, "link quality is poor, expect slow uploads")
		}
	}
	return e, nil
}
