// ABOUTME: Entry point for a tandem host
// ABOUTME: Parses CLI flags, shares an audio file and leads playback
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
	listen     = flag.String("listen", config.DefaultListen, "Address to accept guests on")
	audioFile  = flag.String("audio", "", "Audio file to share (MP3, FLAC, WAV)")
	name       = flag.String("name", "", "Display name (default: hostname-tandem-host)")
	configFile = flag.String("config", "", "TOML config file")
	autoGrant  = flag.Bool("auto-grant", false, "Grant master control to any guest that asks")
	logFile    = flag.String("log-file", "tandem-host.log", "Log file path")
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
		case "listen":
			cfg.Listen = *listen
		case "audio":
			cfg.Audio = *audioFile
		case "name":
			cfg.Name = *name
		case "auto-grant":
			cfg.AutoGrantMaster = *autoGrant
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
		cfg.Name = app.DefaultName("tandem-host")
	}

	closer, err := app.SetupLogging(cfg.LogFile, cfg.TUI)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer func() { _ = closer.Close() }()

	log.Printf("Starting %s %s host: %s", version.Product, version.Version, cfg.Name)
	log.Printf("Logging to: %s", cfg.LogFile)

	a := app.New(app.FromConfig(room.RoleHost, cfg), audio.NewOtoOutput())
	if err := a.Start(); err != nil {
		a.Stop()
		log.Fatalf("Host error: %v", err)
	}

	log.Printf("Guests can join with -server %s", a.Addr())
	app.Wait(a)
	log.Printf("Host stopped")
}
