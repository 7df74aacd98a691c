// Command lanshare runs a LAN article-sharing node with a terminal UI.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"lanshare"
)

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lanshare"
	}
	return filepath.Join(home, ".local", "share", "lanshare")
}

func defaultName() string {
	host, err := os.Hostname()
	if err != nil {
		return "anonymous"
	}
	return host
}

func loadConfig(path string) (lanshare.Config, error) {
	cfg := lanshare.DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func run(ctx *cli.Context) error {
	level, err := zerolog.ParseLevel(ctx.String("log-level"))
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	dataDir := ctx.String("data-dir")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// The TUI owns the terminal, so logs go to a file.
	logFile, err := os.OpenFile(filepath.Join(dataDir, "lanshare.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()
	logger := zerolog.New(logFile).Level(level).With().Timestamp().Logger()

	cfg, err := loadConfig(ctx.String("config"))
	if err != nil {
		return err
	}

	store, err := lanshare.OpenStore(filepath.Join(dataDir, "db"))
	if err != nil {
		return err
	}
	defer store.Close()

	ctrl, err := lanshare.New(cfg, store, store, logger)
	if err != nil {
		return err
	}
	defer ctrl.LeaveRoom()

	name := ctx.String("name")
	if room := ctx.String("room"); room != "" {
		if err := ctrl.JoinRoom(room, name); err != nil {
			return err
		}
	} else if ctx.Bool("rejoin") {
		if room, ok := ctrl.LastRoom(); ok {
			if err := ctrl.JoinRoom(room, name); err != nil {
				logger.Warn().Str("room", room).Err(err).Msg("rejoin failed")
			}
		}
	}

	ui := newUI(ctrl, name)
	p := tea.NewProgram(ui, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("run ui: %w", err)
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:  "lanshare",
		Usage: "share articles with peers on the local network",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "data-dir",
				Usage: "directory for the identity, pending-share queue and logs",
				Value: defaultDataDir(),
			},
			&cli.StringFlag{
				Name:  "name",
				Usage: "display name shown to peers",
				Value: defaultName(),
			},
			&cli.StringFlag{
				Name:  "room",
				Usage: "room code to join on startup",
			},
			&cli.BoolFlag{
				Name:  "rejoin",
				Usage: "rejoin the previously active room",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "optional YAML config file with network tunables",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (trace, debug, info, warn, error)",
				Value: "info",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
