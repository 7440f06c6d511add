package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/veldhuis/stagelink/internal/app"
	"github.com/veldhuis/stagelink/internal/config"
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

var (
	roleFlag = flag.String("role", "client", "what to run: host, client, rendezvous or list")
	roomFlag = flag.String("room", "", "room name to host or join")
	nameFlag = flag.String("name", "", "display name (overrides config)")
	dirFlag  = flag.String("dir", "", "data directory (default ~/.stagelink)")
	cfgFlag  = flag.String("config", "", "config file path (default <dir>/config.json)")
	rvFlag   = flag.String("rendezvous", "", "rendezvous service URL (overrides config)")
	version  = flag.Bool("version", false, "show version")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Println("stagelink", appVersion)
		return
	}

	dataDir := *dirFlag
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("resolve home dir: %v", err)
		}
		dataDir = filepath.Join(home, ".stagelink")
	}
	cfgPath := *cfgFlag
	if cfgPath == "" {
		cfgPath = filepath.Join(dataDir, "config.json")
	}

	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if created {
		log.Printf("created default config at %s", cfgPath)
	}

	if *rvFlag != "" {
		cfg.Rendezvous.RemoteURL = *rvFlag
		if err := cfg.Validate(); err != nil {
			log.Fatalf("config: %v", err)
		}
	}

	role := app.Role(*roleFlag)
	switch role {
	case app.RoleClient:
		if *roomFlag == "" {
			log.Fatalf("-room is required for role %s", role)
		}
	case app.RoleHost:
		// A host without -room gets a venue-derived room from the rendezvous
		// service.
	case app.RoleRendezvous:
		cfg.Rendezvous.Host = true
	case app.RoleList:
	default:
		log.Fatalf("unknown role %q (want host, client, rendezvous or list)", *roleFlag)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = app.Run(ctx, app.Options{
		DataDir: dataDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
		Role:    role,
		Room:    *roomFlag,
		Name:    *nameFlag,
	})
	if err != nil {
		log.Fatalf("stagelink: %v", err)
	}
}
