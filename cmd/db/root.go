package db

import (
	"github.com/ValentinKolb/ctxd/cmd/util"
	"github.com/ValentinKolb/ctxd/lib/db"
	"github.com/ValentinKolb/ctxd/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	database *db.DB

	// DatabaseCommands represents the local database command group
	DatabaseCommands = &cobra.Command{
		Use:                "db",
		Short:              "Inspect and modify a context database file directly",
		PersistentPreRunE:  openDatabase,
		PersistentPostRunE: closeDatabase,
	}
)

func init() {
	DatabaseCommands.PersistentFlags().String("db-path", "ctxd.db", util.WrapString("SQLite database file"))
	DatabaseCommands.PersistentFlags().String("log-level", "warn", util.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))

	// Add subcommands
	DatabaseCommands.AddCommand(createTableCmd)
	DatabaseCommands.AddCommand(insertCmd)
	DatabaseCommands.AddCommand(queryCmd)
}

func openDatabase(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	if err := common.InitLoggers(viper.GetString("log-level")); err != nil {
		return err
	}

	var err error
	database, err = db.Open(viper.GetString("db-path"))
	return err
}

func closeDatabase(_ *cobra.Command, _ []string) error {
	if database == nil {
		return nil
	}
	return database.Close()
}
