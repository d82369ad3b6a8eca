// ABOUTME: Bubbletea model for the room TUI
// ABOUTME: Defines application state and update logic
package ui

import (
	"fmt"
	"time"

	"github.com/Resonate-Protocol/tandem/internal/sync"
	tea "github.com/charmbracelet/bubbletea"
)

// SeekStep is how far the arrow keys move the playhead
const SeekStep = 10 * time.Second

// Peer is one row of the peer table
type Peer struct {
	Name            string
	Role            string
	Status          string
	RoundTrip       time.Duration
	Offset          time.Duration
	Quality         sync.Quality
	IsMaster        bool
	RequestedMaster bool
}

// Progress is an incoming transfer's chunk count
type Progress struct {
	Received int
	Total    int
}

// Model represents the TUI state
type Model struct {
	// Identity
	role string
	name string

	// Room
	peers  []Peer
	master bool

	// Playback
	state    string
	track    string
	position time.Duration
	duration time.Duration

	// Transfer
	transfer *Progress

	lastError string

	// Debug
	showDebug bool

	controls *Controls

	// Dimensions
	width  int
	height int
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case StatusMsg:
		m.applyStatus(msg)
	}

	return m, nil
}

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	s := ""
	s += m.renderHeader()
	s += m.renderPlayback()
	s += m.renderPeers()

	if m.showDebug {
		s += m.renderDebug()
	}

	s += m.renderHelp()

	return s
}

func (m Model) renderHeader() string {
	control := "listening"
	if m.master {
		control = "master"
	}

	return fmt.Sprintf(`┌─ Tandem ─────────────────────────────────────────────┐
│ %-6s %-36s %10s │
├──────────────────────────────────────────────────────┤
`, m.role, truncate(m.name, 36), control)
}

func (m Model) renderPlayback() string {
	if m.transfer != nil && m.transfer.Total > 0 {
		pct := m.transfer.Received * 100 / m.transfer.Total
		return fmt.Sprintf("│ Receiving: [%s] %3d%% (%d/%d)%-12s │\n",
			renderBar(pct, 100, 10), pct, m.transfer.Received, m.transfer.Total, "")
	}

	if m.track == "" {
		return "│ Nothing loaded                                       │\n"
	}

	s := fmt.Sprintf("│ Track: %-45s │\n", truncate(m.track, 45))
	s += fmt.Sprintf("│ %-8s %s / %s%-31s │\n",
		m.state, formatPosition(m.position), formatPosition(m.duration), "")

	progress := 0
	if m.duration > 0 {
		progress = int(m.position * 100 / m.duration)
	}
	s += fmt.Sprintf("│ [%s]%-28s │\n", renderBar(progress, 100, 22), "")
	return s
}

func (m Model) renderPeers() string {
	s := "├──────────────────────────────────────────────────────┤\n"
	if len(m.peers) == 0 {
		return s + "│ No peers                                             │\n"
	}

	for _, p := range m.peers {
		flag := " "
		if p.IsMaster {
			flag = "*"
		} else if p.RequestedMaster {
			flag = "?"
		}
		s += fmt.Sprintf("│%s %-16s %-10s %s rtt %5.1fms %-9s │\n",
			flag, truncate(p.Name, 16), p.Status, qualityIcon(p.Quality),
			float64(p.RoundTrip)/float64(time.Millisecond), "")
	}
	return s
}

func (m Model) renderDebug() string {
	s := "│ DEBUG:                                               │\n"
	for _, p := range m.peers {
		s += fmt.Sprintf("│   %-16s offset %+10dμs %-19s │\n",
			truncate(p.Name, 16), p.Offset.Microseconds(), p.Quality)
	}
	if m.lastError != "" {
		s += fmt.Sprintf("│   last error: %-38s │\n", truncate(m.lastError, 38))
	}
	return s
}

func (m Model) renderHelp() string {
	grant := "m:Master"
	if m.role == "host" {
		grant = "g:Grant "
	}
	return fmt.Sprintf(`│ space:Play/Pause s:Stop ←/→:Seek %s d:Debug q:Quit │
└──────────────────────────────────────────────────────┘
`, grant)
}

// handleKey handles keyboard input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		if m.controls != nil {
			select {
			case m.controls.Quit <- struct{}{}:
			default:
			}
		}
		return m, tea.Quit
	case " ", "p":
		m.send(Action{Kind: ActionToggle})
	case "s":
		m.send(Action{Kind: ActionStop})
	case "left":
		m.send(Action{Kind: ActionSeek, Position: clampSeek(m.position-SeekStep, m.duration)})
	case "right":
		m.send(Action{Kind: ActionSeek, Position: clampSeek(m.position+SeekStep, m.duration)})
	case "m":
		m.send(Action{Kind: ActionRequestMaster})
	case "g":
		m.send(Action{Kind: ActionGrantMaster})
	case "d":
		m.showDebug = !m.showDebug
	}

	return m, nil
}

func (m Model) send(a Action) {
	if m.controls == nil {
		return
	}
	select {
	case m.controls.Actions <- a:
	default:
	}
}

// applyStatus updates model from status message
func (m *Model) applyStatus(msg StatusMsg) {
	if msg.Name != "" {
		m.name = msg.Name
	}
	if msg.Master != nil {
		m.master = *msg.Master
	}
	if msg.State != "" {
		m.state = msg.State
	}
	if msg.Track != "" {
		m.track = msg.Track
		m.duration = msg.Duration
	}
	m.position = msg.Position
	m.transfer = msg.Transfer
	if msg.Peers != nil {
		m.peers = msg.Peers
	}
	if msg.Error != "" {
		m.lastError = msg.Error
	}
}

// StatusMsg updates TUI state. Empty fields leave the model unchanged, except
// Position and Transfer which always reflect the latest snapshot.
type StatusMsg struct {
	Name     string
	Master   *bool
	State    string
	Track    string
	Position time.Duration
	Duration time.Duration
	Transfer *Progress
	Peers    []Peer
	Error    string
}

// Utility functions
func renderBar(value, max, width int) string {
	if value > max {
		value = max
	}
	if value < 0 {
		value = 0
	}
	filled := (value * width) / max
	bar := ""
	for i := 0; i < width; i++ {
		if i < filled {
			bar += "█"
		} else {
			bar += "░"
		}
	}
	return bar
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}

func formatPosition(d time.Duration) string {
	d = d.Round(time.Second)
	return fmt.Sprintf("%d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}

func clampSeek(pos, duration time.Duration) time.Duration {
	if pos < 0 {
		return 0
	}
	if duration > 0 && pos > duration {
		return duration
	}
	return pos
}

func qualityIcon(q sync.Quality) string {
	switch q {
	case sync.QualityGood:
		return "✓"
	case sync.QualityDegraded:
		return "⚠"
	default:
		return "✗"
	}
}
