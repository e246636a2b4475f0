// Command kvadmin runs the admin replicas of a sharded KV store and
// drives zone failover, switchover and quorum repair against them.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/global-data-controller/kvadmin/internal/client"
	"github.com/global-data-controller/kvadmin/internal/config"
	"github.com/global-data-controller/kvadmin/internal/faults"
	"github.com/global-data-controller/kvadmin/internal/logging"
	"github.com/global-data-controller/kvadmin/internal/models"
	"github.com/global-data-controller/kvadmin/internal/operations"
	"github.com/global-data-controller/kvadmin/internal/planexec"
)

var version = "development"

// app carries the configuration shared by every command
type app struct {
	v      *viper.Viper
	cfg    *config.Config
	logger logging.Logger
}

func newApp() *app {
	v := config.New()
	// commands print results on stdout
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output_path", "stderr")
	return &app{v: v}
}

func newRootCmd() *cobra.Command {
	a := newApp()
	var cfgFile string

	root := &cobra.Command{
		Use:     "kvadmin",
		Version: version,
		Short:   "Zone and admin quorum control plane of a sharded KV store",
		Long: `kvadmin serves the admin replicas of a sharded replicated KV store and
drives topology changes against them.

Failover, switchover and repair create a plan on the master and follow it
to completion. When the master changes mid-plan, the interrupted plan is
re-executed on the new master, or canceled and replaced with
--strategy cancel-and-retry.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cfgFile != "" {
				a.v.SetConfigFile(cfgFile)
			}
			cfg, err := config.Read(a.v)
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(cfg.Logging)
			if err != nil {
				return fmt.Errorf("failed to initialize logging: %w", err)
			}
			a.cfg, a.logger = cfg, logger
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default kvadmin.yaml in ., ./configs or /etc/kvadmin)")
	flags.StringSlice("endpoints", nil, "admin replica base URLs")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	a.bind("client.endpoints", flags.Lookup("endpoints"))
	a.bind("logging.level", flags.Lookup("log-level"))

	root.AddCommand(
		a.serveCmd(),
		a.statusCmd(),
		a.topologyCmd(),
		a.candidateCmd(),
		a.planCmd(),
		a.failoverCmd(),
		a.switchoverCmd(),
		a.repairCmd(),
		a.repairQuorumCmd(),
	)
	return root
}

func (a *app) bind(key string, flag *pflag.Flag) {
	if err := a.v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind %s: %v", key, err))
	}
}

func (a *app) zap() *zap.Logger { return a.logger.Zap() }

// connector connects to every configured replica
func (a *app) connector() *client.Connector {
	hc := &http.Client{Timeout: a.cfg.Client.RequestTimeout}
	var replicas []client.API
	for _, ep := range a.cfg.Endpoints() {
		replicas = append(replicas, client.NewHTTPClient(ep, hc))
	}
	return client.NewConnector(replicas, client.Config{
		MasterTimeout: a.cfg.Client.MasterTimeout,
		PollInterval:  a.cfg.Client.PollInterval,
	}, a.zap())
}

func (a *app) operations() *operations.Operations {
	driver := planexec.NewDriver(a.connector(), a.cfg.Driver, a.zap())
	return operations.New(driver, a.zap())
}

// master runs fn on the current master, following master changes
func (a *app) master(ctx context.Context, fn func(api client.API) error) error {
	return a.connector().Do(ctx, fn)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}

func parsePlanID(s string) (models.PlanID, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, faults.IllegalCommand(faults.CodeInvalidArgument, "invalid plan id %q", s)
	}
	return models.PlanID(id), nil
}

func zoneIDs(ids []int) []models.ZoneID {
	out := make([]models.ZoneID, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.ZoneID(id))
	}
	return out
}

func adminIDs(ids []int) []models.AdminID {
	out := make([]models.AdminID, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.AdminID(id))
	}
	return out
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(run())
}
