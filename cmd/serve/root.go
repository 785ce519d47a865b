package serve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	cmdUtil "github.com/ValentinKolb/ctxd/cmd/util"
	"github.com/ValentinKolb/ctxd/rpc/common"
	"github.com/ValentinKolb/ctxd/rpc/server"
	"github.com/VictoriaMetrics/metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start the context service",
		Long:    `Start the context service with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is CTXD_<flag> (e.g. CTXD_DB_PATH=/var/lib/ctxd/context.db)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// add flags
	key := "endpoint"
	ServeCmd.PersistentFlags().String(key, "/tmp/ctxd.sock", cmdUtil.WrapString("The address on which the service will listen (socket path for unix, host:port for tcp, bus name for dbus)"))

	key = "timeout"
	ServeCmd.PersistentFlags().Int64(key, 5, cmdUtil.WrapString("Upper bound in seconds for synchronous reads and socket writes"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))

	key = "db-path"
	ServeCmd.PersistentFlags().String(key, "ctxd.db", cmdUtil.WrapString("SQLite database file shared by all providers"))

	key = "custom-subjects"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Comma-separated list of database backed custom subjects (e.g. app/weather,app/notes)"))

	key = "clock-subject"
	ServeCmd.PersistentFlags().String(key, "time/now", cmdUtil.WrapString("Subject of the built-in clock provider, empty disables it"))

	key = "clock-interval"
	ServeCmd.PersistentFlags().Duration(key, time.Second, cmdUtil.WrapString("Default publish interval of clock subscriptions"))

	key = "stats-interval"
	ServeCmd.PersistentFlags().Duration(key, time.Minute, cmdUtil.WrapString("Interval at which the database worker counters are logged, 0 disables it"))

	key = "metrics-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Address for the Prometheus /metrics endpoint (e.g. localhost:9100), empty disables it"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	serveCmdConfig.Endpoint = viper.GetString("endpoint")
	serveCmdConfig.TimeoutSecond = viper.GetInt64("timeout")
	serveCmdConfig.LogLevel = viper.GetString("log-level")
	serveCmdConfig.DBPath = viper.GetString("db-path")
	serveCmdConfig.ClockSubject = viper.GetString("clock-subject")
	serveCmdConfig.ClockInterval = viper.GetDuration("clock-interval")
	serveCmdConfig.MetricsEndpoint = viper.GetString("metrics-endpoint")

	// parse custom subjects
	serveCmdConfig.CustomSubjects = nil
	for _, subject := range strings.Split(viper.GetString("custom-subjects"), ",") {
		subject = strings.TrimSpace(subject)
		if subject == "" {
			continue
		}
		if subject == serveCmdConfig.ClockSubject {
			return fmt.Errorf("custom subject %s collides with the clock subject", subject)
		}
		serveCmdConfig.CustomSubjects = append(serveCmdConfig.CustomSubjects, subject)
	}

	if serveCmdConfig.TimeoutSecond <= 0 {
		return fmt.Errorf("timeout must be positive, got %d", serveCmdConfig.TimeoutSecond)
	}

	if viper.GetString("transport") == "dbus" || strings.HasPrefix(viper.GetString("transport"), "dbus-") {
		if !cmd.Flags().Changed("endpoint") && !viper.IsSet("endpoint") {
			serveCmdConfig.Endpoint = ""
		}
	}

	return nil
}

// run starts the context service and the metrics endpoint
func run(_ *cobra.Command, _ []string) error {
	if err := common.InitLoggers(serveCmdConfig.LogLevel); err != nil {
		return err
	}

	t, err := cmdUtil.GetServerTransport()
	if err != nil {
		return err
	}

	serv, err := server.NewRPCServer(*serveCmdConfig, t)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return serv.Serve()
	})

	var metricsServer *http.Server
	if serveCmdConfig.MetricsEndpoint != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
			metrics.WritePrometheus(w, true)
			serv.WritePrometheus(w)
		})
		metricsServer = &http.Server{Addr: serveCmdConfig.MetricsEndpoint, Handler: mux}

		g.Go(func() error {
			server.Logger.Infof("Serving metrics on http://%s/metrics", serveCmdConfig.MetricsEndpoint)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	if interval := viper.GetDuration("stats-interval"); interval > 0 {
		g.Go(func() error {
			return serv.LogStats(ctx, interval)
		})
	}

	// shut everything down on a signal or when one of the servers failed
	g.Go(func() error {
		<-ctx.Done()
		server.Logger.Infof("Shutting down")

		var errs []error
		if metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			errs = append(errs, metricsServer.Shutdown(shutdownCtx))
			cancel()
		}
		errs = append(errs, serv.Close())
		return errors.Join(errs...)
	})

	return g.Wait()
}
