package prefetch

import (
	"net/http"
	"strings"
)

// Signals describes the client's network conditions. Zero values mean
// "unknown".
type Signals struct {
	EffectiveType string `json:"effective_type,omitempty"`
	SaveData      bool   `json:"save_data,omitempty"`
	// Online is nil when connectivity is unknown.
	Online *bool `json:"online,omitempty"`
}

// ShouldPrefetch vetoes prefetching on data saver, very slow connections or
// when offline. Missing information never blocks a prefetch.
func ShouldPrefetch(s Signals) bool {
	if s.SaveData {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(s.EffectiveType)) {
	case "slow-2g", "2g":
		return false
	}
	if s.Online != nil && !*s.Online {
		return false
	}
	return true
}

// SignalsFromRequest reads the Save-Data and ECT client hints. X-Online: 0 is
// sent by the page when the browser reports itself offline.
func SignalsFromRequest(r *http.Request) Signals {
	s := Signals{
		EffectiveType: r.Header.Get("ECT"),
		SaveData:      strings.EqualFold(strings.TrimSpace(r.Header.Get("Save-Data")), "on"),
	}
	switch strings.TrimSpace(r.Header.Get("X-Online")) {
	case "0", "false":
		off := false
		s.Online = &off
	case "1", "true":
		on := true
		s.Online = &on
	}
	return s
}

// SignalSource supplies the signals used by scheduled cycles.
type SignalSource interface {
	Signals() Signals
}

// StaticSignals always reports the same signals.
type StaticSignals Signals

func (s StaticSignals) Signals() Signals { return Signals(s) }
