package main

import (
	"net"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/tsawler/go-dcvae/dcvae"
	"github.com/tsawler/go-dcvae/envconfig"
	"github.com/tsawler/go-dcvae/server"
	"github.com/tsawler/go-dcvae/summary"
)

func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a trained model over HTTP",
		Long: `Serve a trained model over HTTP on $DCVAE_HOST.

Environment Variables:
      DCVAE_HOST      Listen address (default 127.0.0.1:8080)
      DCVAE_SCRATCH   Root of the weights tree
      DCVAE_DB        SQLite metrics store exposed under /api/runs`,
		Args: cobra.NoArgs,
		RunE: RunServer,
	}
	serveCmd.Flags().String("spec", "", "JSON specification (default: the built-in base model)")
	serveCmd.Flags().Int("epoch", 0, "Load the weights saved at this epoch")
	return serveCmd
}

func RunServer(cmd *cobra.Command, _ []string) error {
	spec, err := loadSpec(cmd)
	if err != nil {
		return err
	}
	applyReplicas(&spec)

	epoch, _ := cmd.Flags().GetInt("epoch")
	model, err := dcvae.GetModel(spec, epoch, dcvae.WithLogger(newLogger(cmd)))
	if err != nil {
		return err
	}

	var store *summary.Store
	if _, err := os.Stat(envconfig.DB()); err == nil {
		if store, err = summary.OpenStore(envconfig.DB()); err != nil {
			return err
		}
		defer store.Close()
	}

	ln, err := net.Listen("tcp", envconfig.Host())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	return server.New(model, store).Serve(ctx, ln)
}
