// ABOUTME: Application orchestration for host and guest
// ABOUTME: Coordinates transport, router, audio pipeline and the TUI
package app

import (
	"context"
	"fmt"
	"log"
	"mime"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Resonate-Protocol/tandem/internal/audio"
	"github.com/Resonate-Protocol/tandem/internal/config"
	"github.com/Resonate-Protocol/tandem/internal/room"
	tsync "github.com/Resonate-Protocol/tandem/internal/sync"
	"github.com/Resonate-Protocol/tandem/internal/transfer"
	"github.com/Resonate-Protocol/tandem/internal/transport"
	"github.com/Resonate-Protocol/tandem/internal/ui"
	tea "github.com/charmbracelet/bubbletea"
)

// statusInterval is how often the TUI is refreshed while playing
const statusInterval = 250 * time.Millisecond

// Config holds application configuration
type Config struct {
	Role              room.Role
	Name              string
	Listen            string
	Server            string
	Audio             string
	LeadTime          time.Duration
	SyncInterval      time.Duration
	HeartbeatInterval time.Duration
	AutoGrantMaster   bool
	PeerToPeer        bool
	UseTUI            bool
}

// FromConfig builds an application config for role from loaded settings
func FromConfig(role room.Role, cfg config.Config) Config {
	return Config{
		Role:              role,
		Name:              cfg.Name,
		Listen:            cfg.Listen,
		Server:            cfg.Server,
		Audio:             cfg.Audio,
		LeadTime:          cfg.LeadTime,
		SyncInterval:      cfg.SyncInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		AutoGrantMaster:   cfg.AutoGrantMaster,
		PeerToPeer:        cfg.PeerToPeer,
		UseTUI:            cfg.TUI,
	}
}

// App is one running participant
type App struct {
	config   Config
	router   *room.Router
	pipeline *audio.Pipeline
	server   *transport.Server
	addr     net.Addr

	controls *ui.Controls
	tuiProg  *tea.Program
	refresh  chan struct{}

	mu      sync.Mutex
	lastErr string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an application that renders to output
func New(config Config, output audio.Output) *App {
	ctx, cancel := context.WithCancel(context.Background())

	pipeline := audio.NewPipeline(output)
	router := room.NewRouter(room.Config{
		Role:              config.Role,
		Name:              config.Name,
		LeadTime:          config.LeadTime,
		HeartbeatInterval: config.HeartbeatInterval,
		AutoGrantMaster:   config.AutoGrantMaster,
		PeerToPeer:        config.PeerToPeer,
		Sync:              tsync.EngineConfig{Interval: config.SyncInterval},
	}, pipeline)

	return &App{
		config:   config,
		router:   router,
		pipeline: pipeline,
		refresh:  make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Router exposes the protocol router
func (a *App) Router() *room.Router {
	return a.router
}

// Addr is the host's bound listen address, nil for a guest or before Start
func (a *App) Addr() net.Addr {
	return a.addr
}

// Start brings up the TUI, then listens (host) or connects (guest)
func (a *App) Start() error {
	if a.config.UseTUI {
		a.controls = ui.NewControls()
		tuiProg, err := ui.Run(a.controls, a.config.Role.String(), a.config.Name)
		if err != nil {
			return fmt.Errorf("failed to start TUI: %w", err)
		}
		a.tuiProg = tuiProg
		go a.tuiProg.Run()

		a.wg.Add(2)
		go a.handleActions()
		go a.statusLoop()
	}

	a.router.OnUpdate(a.nudge)

	if a.config.Role == room.RoleHost {
		return a.startHost()
	}
	return a.startGuest()
}

func (a *App) startHost() error {
	a.server = transport.NewServer(a.config.Listen, a.router)
	addr, err := a.server.Start()
	if err != nil {
		return err
	}
	a.addr = addr

	if a.config.Audio == "" {
		log.Printf("No audio file given; waiting for guests")
		return nil
	}

	payload, err := ReadPayload(a.config.Audio)
	if err != nil {
		return err
	}
	return a.router.Share(payload)
}

func (a *App) startGuest() error {
	if a.config.Server == "" {
		return fmt.Errorf("no host address given")
	}

	ctx, cancel := context.WithTimeout(a.ctx, 30*time.Second)
	defer cancel()
	return a.router.Connect(ctx, ServerURL(a.config.Server, a.config.PeerToPeer))
}

// Quit signals when the user asked to leave from the TUI; nil without a TUI
func (a *App) Quit() <-chan struct{} {
	if a.controls == nil {
		return nil
	}
	return a.controls.Quit
}

// HandleAction runs one user request against the router
func (a *App) HandleAction(act ui.Action) error {
	var err error
	switch act.Kind {
	case ui.ActionToggle:
		err = a.router.TogglePlay()
	case ui.ActionStop:
		err = a.router.Stop()
	case ui.ActionSeek:
		err = a.router.Seek(act.Position)
	case ui.ActionRequestMaster:
		err = a.router.RequestMaster()
	case ui.ActionGrantMaster:
		err = a.router.GrantNextRequest()
	}

	a.mu.Lock()
	if err != nil {
		a.lastErr = err.Error()
	}
	a.mu.Unlock()
	return err
}

func (a *App) handleActions() {
	defer a.wg.Done()

	for {
		select {
		case act := <-a.controls.Actions:
			if err := a.HandleAction(act); err != nil {
				log.Printf("Action failed: %v", err)
			}
			a.nudge()
		case <-a.ctx.Done():
			return
		}
	}
}

// nudge asks the status loop for a refresh without blocking the caller
func (a *App) nudge() {
	select {
	case a.refresh <- struct{}{}:
	default:
	}
}

// statusLoop pushes snapshots to the TUI on change and periodically for the position
func (a *App) statusLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.refresh:
		case <-ticker.C:
		case <-a.ctx.Done():
			return
		}
		a.tuiProg.Send(a.Status())
	}
}

// Status snapshots everything the TUI shows
func (a *App) Status() ui.StatusMsg {
	ctrl := a.router.Controller()
	master := ctrl.IsMaster()

	links := a.router.Links()
	peers := make([]ui.Peer, 0, len(links))
	var progress *ui.Progress
	for _, l := range links {
		peers = append(peers, ui.Peer{
			Name:            l.Name,
			Role:            l.Role,
			Status:          string(l.Status),
			RoundTrip:       l.RoundTrip,
			Offset:          l.Offset,
			Quality:         l.Quality,
			IsMaster:        l.IsMaster,
			RequestedMaster: l.RequestedMaster,
		})
		if received, total, ok := a.router.Receiver().Progress(l.ID); ok {
			progress = &ui.Progress{Received: received, Total: total}
		}
	}

	a.mu.Lock()
	lastErr := a.lastErr
	a.mu.Unlock()

	return ui.StatusMsg{
		Master:   &master,
		State:    ctrl.State().String(),
		Track:    ctrl.Name(),
		Position: ctrl.Position(),
		Duration: ctrl.Duration(),
		Transfer: progress,
		Peers:    peers,
		Error:    lastErr,
	}
}

// Stop tears everything down
func (a *App) Stop() {
	a.cancel()

	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.server.Stop(ctx); err != nil {
			log.Printf("Error stopping server: %v", err)
		}
		cancel()
	}

	a.router.Close()

	if err := a.pipeline.Close(); err != nil {
		log.Printf("Error closing audio: %v", err)
	}

	if a.tuiProg != nil {
		a.tuiProg.Quit()
	}
	a.wg.Wait()
}

// ServerURL turns a host address into a link or signaling URL; full URLs
// pass through
func ServerURL(server string, peerToPeer bool) string {
	if strings.HasPrefix(server, "ws://") || strings.HasPrefix(server, "wss://") {
		return server
	}
	if peerToPeer {
		return transport.SignalURL(server)
	}
	return transport.URL(server)
}

var audioTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".flac": "audio/flac",
	".wav":  "audio/wav",
}

// MimeType guesses a payload's MIME type from its file name
func MimeType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if t, ok := audioTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

// ReadPayload reads an audio file to share
func ReadPayload(path string) (transfer.Payload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return transfer.Payload{}, fmt.Errorf("read %s: %w", path, err)
	}

	name := filepath.Base(path)
	return transfer.Payload{
		Name:     name,
		MimeType: MimeType(name),
		Data:     data,
	}, nil
}
