package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/ctxd/cmd/ctx"
	"github.com/ValentinKolb/ctxd/cmd/db"
	"github.com/ValentinKolb/ctxd/cmd/serve"
	"github.com/ValentinKolb/ctxd/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "ctxd",
		Short: "context-sensing service",
		Long: fmt.Sprintf(`ctxd (v%s)

A context-sensing service. Providers publish context subjects (time, custom
application data, ...); clients subscribe to, read or write them over a
message bus. Values are persisted in an embedded SQLite database.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of ctxd",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ctxd v%s\n", Version)
		},
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(ctx.ContextCommands)
	RootCmd.AddCommand(db.DatabaseCommands)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "binary", util.WrapString("serializer to use for socket transports (json, gob, binary)"))
	key = "transport"
	RootCmd.PersistentFlags().String(key, "unix", util.WrapString("transport to use (tcp, unix, dbus, dbus-system)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
