package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/global-data-controller/kvadmin/internal/bootstrap"
)

const shutdownTimeout = 30 * time.Second

func (a *app) serveCmd() *cobra.Command {
	var ephemeral bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run every admin replica of the configured cluster",
		Long: `serve starts one admin replica per admin of the cluster layout on top of
the configured metadata store. Replica N is served under /replicas/N and
admin.replica_id is also served at the root. The gRPC health service
reports which replica is the master.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			b := bootstrap.New()
			b.Ephemeral = ephemeral
			if err := b.InitializeConfig(ctx, a.cfg); err != nil {
				return err
			}
			if err := b.Start(ctx); err != nil {
				b.Logger.Error(ctx, "Failed to start", zap.Error(err))
				stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = b.Stop(stopCtx)
				return err
			}

			<-ctx.Done()
			b.Logger.Info(ctx, "Shutdown signal received")

			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return b.Stop(stopCtx)
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&ephemeral, "ephemeral", false, "keep metadata in memory")
	flags.Int("port", 0, "HTTP port")
	flags.Int("grpc-port", 0, "gRPC health port, negative to disable")
	flags.String("storage", "", "metadata store backend: memory, bbolt or ydb")
	a.bind("server.port", flags.Lookup("port"))
	a.bind("server.grpc_port", flags.Lookup("grpc-port"))
	a.bind("storage.backend", flags.Lookup("storage"))
	return cmd
}
