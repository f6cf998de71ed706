package models

import "time"

// EntrySignal is a transient value produced by the signal generator and
// consumed immediately by the simulator. It carries the IV snapshot the
// entry decision was made on.
type EntrySignal struct {
	Date     time.Time `json:"date"`
	Symbol   string    `json:"symbol"`
	IV       IVPoint   `json:"iv"`
	Spot     float64   `json:"spot"`
	Strength float64   `json:"strength"` // 0-100
}

// SignalDecision is a per-day diagnostic record of why a symbol was or
// was not accepted for entry, feeding the evaluation export.
type SignalDecision struct {
	Date     time.Time `json:"date"`
	Symbol   string    `json:"symbol"`
	Accepted bool      `json:"accepted"`
	Reason   string    `json:"reason"`
	Strength float64   `json:"strength"`
}
