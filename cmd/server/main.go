package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/assessd/cmd/server/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Debug     bool `help:"Enable debug mode."`
		Version   kong.VersionFlag
		Server    commands.ServerCmd    `cmd:"" help:"Start the session API server"`
		Sweep     commands.SweepCmd     `cmd:"" help:"Reconcile overdue sessions on a schedule"`
		Grant     commands.GrantCmd     `cmd:"" help:"Grant an entitlement to a user"`
		Bootstrap commands.BootstrapCmd `cmd:"" help:"Create DynamoDB tables, the events queue and a KMS key"`
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("assessd"),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
