package config

import (
	"github.com/blueberrycongee/clinigate/internal/admission"
	"github.com/blueberrycongee/clinigate/internal/cache"
	"github.com/blueberrycongee/clinigate/internal/faults"
	"github.com/blueberrycongee/clinigate/internal/monitor"
)

// Reloadables are the components whose configuration can change at runtime.
// Nil fields are skipped.
type Reloadables struct {
	Admission  *admission.Controller
	Cache      *cache.ResponseCache
	Monitor    *monitor.Monitor
	Classifier *faults.Classifier
}

// Apply pushes cfg into every component through its UpdateConfig. Register it with
// Manager.OnChange. Store, provider and server settings need a restart.
func (r Reloadables) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if r.Admission != nil {
		r.Admission.UpdateConfig(cfg.Admission)
	}
	if r.Cache != nil {
		r.Cache.UpdateConfig(cfg.Cache)
	}
	if r.Monitor != nil {
		r.Monitor.UpdateConfig(cfg.Monitor)
	}
	if r.Classifier != nil {
		r.Classifier.UpdateConfig(cfg.Faults)
	}
}
