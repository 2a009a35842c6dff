// Package state implements the bot's state machine and its atomically
// persisted JSON document. Persistence is built on internal/atomicio's
// temp-then-rename writer; malformed or missing state is treated as
// "start fresh".
package state

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sawpanic/fundingrotor/internal/atomicio"
	"github.com/sawpanic/fundingrotor/internal/model"
)

// Document is the single JSON document persisted to disk.
type Document struct {
	Version         int                    `json:"version"`
	State           model.BotState         `json:"state"`
	CurrentCycleID  string                 `json:"current_cycle"`
	CurrentPosition *model.Position        `json:"current_position"`
	CapitalStatus   model.CapitalStatus    `json:"capital_status"`
	CompletedCycles []model.CompletedCycle `json:"completed_cycles"`
	CumulativeStats model.CumulativeStats  `json:"cumulative_stats"`
	ConfigSnapshot  json.RawMessage        `json:"config_snapshot,omitempty"`
	LastUpdated     time.Time              `json:"last_updated"`
}

// MaxCompletedCycles caps the in-document completed-cycle FIFO.
const MaxCompletedCycles = 100

// New returns a fresh document at IDLE with zeroed stats.
func New() Document {
	return Document{
		Version:         1,
		State:           model.StateIdle,
		CumulativeStats: model.NewCumulativeStats(),
		LastUpdated:     time.Now().UTC(),
	}
}

// AppendCompletedCycle pushes c onto the FIFO, evicting the oldest entry
// once the cap is reached.
func (d *Document) AppendCompletedCycle(c model.CompletedCycle) {
	d.CompletedCycles = append(d.CompletedCycles, c)
	if len(d.CompletedCycles) > MaxCompletedCycles {
		d.CompletedCycles = d.CompletedCycles[len(d.CompletedCycles)-MaxCompletedCycles:]
	}
}

// Manager owns the state file path and is the single writer.
type Manager struct {
	Path string
}

func NewManager(path string) *Manager {
	return &Manager{Path: path}
}

// Load reads the state document. A missing file, empty file, or malformed
// JSON all yield a fresh Document and no error: "start fresh" is never a
// fatal startup condition.
func (m *Manager) Load() (Document, error) {
	if !atomicio.Exists(m.Path) {
		return New(), nil
	}
	raw, err := atomicio.ReadFile(m.Path)
	if err != nil {
		return New(), nil
	}
	if len(raw) == 0 {
		return New(), nil
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return New(), nil
	}
	if doc.Version == 0 {
		doc.Version = 1
	}
	if doc.CumulativeStats.BySymbol == nil {
		doc.CumulativeStats.BySymbol = make(map[string]*model.SymbolStats)
	}
	return doc, nil
}

// Save atomically persists doc, stamping LastUpdated first.
func (m *Manager) Save(doc Document) error {
	doc.LastUpdated = time.Now().UTC()
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshal document: %w", err)
	}
	return atomicio.WriteFile(m.Path, raw, 0644)
}

// Transition validates a state-machine edge against the allowed transition
// table and returns an error if it isn't in it.
func Transition(from, to model.BotState) error {
	allowed, ok := transitions[from]
	if !ok {
		return fmt.Errorf("state: unknown source state %q", from)
	}
	for _, t := range allowed {
		if t == to {
			return nil
		}
	}
	return fmt.Errorf("state: illegal transition %s -> %s", from, to)
}

var transitions = map[model.BotState][]model.BotState{
	model.StateIdle:      {model.StateAnalyzing, model.StateShutdown},
	model.StateAnalyzing: {model.StateOpening, model.StateWaiting, model.StateShutdown},
	model.StateOpening:   {model.StateHolding, model.StateError, model.StateShutdown},
	model.StateHolding:   {model.StateClosing, model.StateShutdown},
	model.StateClosing:   {model.StateWaiting, model.StateError, model.StateShutdown},
	model.StateWaiting:   {model.StateIdle, model.StateShutdown},
	model.StateError:     {model.StateShutdown},
	model.StateShutdown:  {},
}
