package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/fundingrotor/internal/model"
)

func TestLoadMissingFileStartsFresh(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "state.json"))
	doc, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, model.StateIdle, doc.State)
}

func TestLoadMalformedJSONStartsFresh(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	m := NewManager(path)
	require.NoError(t, m.Save(New()))

	// Corrupt the file directly.
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))
	doc, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, model.StateIdle, doc.State)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "state.json"))
	doc := New()
	doc.State = model.StateHolding
	pos := &model.Position{Symbol: "SOL", SizeBase: 4.75}
	doc.CurrentPosition = pos
	init := 1000.0
	doc.CapitalStatus.InitialTotalCapital = &init

	require.NoError(t, m.Save(doc))
	loaded, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, doc.State, loaded.State)
	assert.Equal(t, doc.CurrentPosition.Symbol, loaded.CurrentPosition.Symbol)
	assert.Equal(t, *doc.CapitalStatus.InitialTotalCapital, *loaded.CapitalStatus.InitialTotalCapital)
}

func TestAppendCompletedCycleCapsAt100(t *testing.T) {
	doc := New()
	for i := 0; i < 105; i++ {
		doc.AppendCompletedCycle(model.CompletedCycle{})
	}
	assert.Len(t, doc.CompletedCycles, MaxCompletedCycles)
}

func TestTransitionTable(t *testing.T) {
	assert.NoError(t, Transition(model.StateIdle, model.StateAnalyzing))
	assert.NoError(t, Transition(model.StateAnalyzing, model.StateOpening))
	assert.NoError(t, Transition(model.StateAnalyzing, model.StateWaiting))
	assert.NoError(t, Transition(model.StateOpening, model.StateHolding))
	assert.NoError(t, Transition(model.StateOpening, model.StateError))
	assert.NoError(t, Transition(model.StateHolding, model.StateClosing))
	assert.NoError(t, Transition(model.StateClosing, model.StateWaiting))
	assert.NoError(t, Transition(model.StateClosing, model.StateError))
	assert.NoError(t, Transition(model.StateWaiting, model.StateIdle))
	assert.Error(t, Transition(model.StateError, model.StateIdle), "error requires manual operator clear, never auto-transitions to IDLE")
	assert.NoError(t, Transition(model.StateError, model.StateShutdown))
	assert.Error(t, Transition(model.StateIdle, model.StateHolding))
}
