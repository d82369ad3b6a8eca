// ABOUTME: TUI initialization and control
// ABOUTME: Wraps the bubbletea program and the channel carrying key actions out
package ui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// ActionKind is a user request from the keyboard
type ActionKind int

const (
	ActionToggle ActionKind = iota
	ActionStop
	ActionSeek
	ActionRequestMaster
	ActionGrantMaster
)

// Action is one user request. Position is set for ActionSeek.
type Action struct {
	Kind     ActionKind
	Position time.Duration
}

// Controls holds channels for communication out of the TUI
type Controls struct {
	Actions chan Action
	Quit    chan struct{}
}

// NewControls creates a new control handler
func NewControls() *Controls {
	return &Controls{
		Actions: make(chan Action, 10),
		Quit:    make(chan struct{}, 1),
	}
}

// NewModel creates a new TUI model
func NewModel(controls *Controls, role, name string) Model {
	return Model{
		role:     role,
		name:     name,
		state:    "stopped",
		controls: controls,
	}
}

// Run creates the TUI program; the caller starts it
func Run(controls *Controls, role, name string) (*tea.Program, error) {
	p := tea.NewProgram(NewModel(controls, role, name), tea.WithAltScreen())
	return p, nil
}
