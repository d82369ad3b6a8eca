// ABOUTME: Entry point for a tandem guest
// ABOUTME: Parses CLI flags, joins a host and plays along
package main

import (
	"flag"
	"log"

	"github.com/Resonate-Protocol/tandem/internal/app"
	"github.com/Resonate-Protocol/tandem/internal/audio"
	"github.com/Resonate-Protocol/tandem/internal/config"
	"github.com/Resonate-Protocol/tandem/internal/room"
	"github.com/Resonate-Protocol/tandem/internal/version"
)

var (
	serverAddr = flag.String("server", "", "Host address (host:port or ws:// URL)")
	name       = flag.String("name", "", "Display name (default: hostname-tandem)")
	configFile = flag.String("config", "", "TOML config file")
	p2p        = flag.Bool("p2p", false, "Link over a WebRTC data channel instead of the WebSocket")
	logFile    = flag.String("log-file", "tandem.log", "Log file path")
	noTUI      = flag.Bool("no-tui", false, "Disable TUI, use streaming logs instead")
)

func main() {
	flag.Parse()

	cfg := config.Default()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			log.Fatalf("%v", err)
		}
		cfg = loaded
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "server":
			cfg.Server = *serverAddr
		case "name":
			cfg.Name = *name
		case "p2p":
			cfg.PeerToPeer = *p2p
		case "log-file":
			cfg.LogFile = *logFile
		case "no-tui":
			cfg.TUI = !*noTUI
		}
	})
	if cfg.LogFile == "" {
		cfg.LogFile = *logFile
	}
	if cfg.Name == "" {
		cfg.Name = app.DefaultName("tandem")
	}

	closer, err := app.SetupLogging(cfg.LogFile, cfg.TUI)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer func() { _ = closer.Close() }()

	if cfg.Server == "" {
		log.Fatalf("No host given; use -server or set server in the config file")
	}

	log.Printf("Starting %s %s guest: %s", version.Product, version.Version, cfg.Name)

	a := app.New(app.FromConfig(room.RoleGuest, cfg), audio.NewOtoOutput())
	if err := a.Start(); err != nil {
		a.Stop()
		log.Fatalf("Failed to join %s: %v", cfg.Server, err)
	}

	log.Printf("Joined %s", cfg.Server)
	app.Wait(a)
	log.Printf("Guest stopped")
}
