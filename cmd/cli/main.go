package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/assessd/cmd/cli/internal/commands"
	"github.com/wolfeidau/assessd/internal/logger"
)

var (
	version = "dev"
	cli     struct {
		Session commands.SessionCmd `cmd:"" help:"Manage assessment sessions"`
		Token   commands.TokenCmd   `cmd:"" help:"Issue API tokens"`
		Keygen  commands.KeygenCmd  `cmd:"" help:"Generate signing and master keys"`
		Debug   bool                `help:"Enable debug mode."`
		Version kong.VersionFlag
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := kong.Parse(&cli,
		kong.Name("assess"),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	logger.Setup(cli.Debug)
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
