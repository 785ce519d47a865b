package ctx

import (
	"github.com/ValentinKolb/ctxd/cmd/util"
	"github.com/ValentinKolb/ctxd/rpc/client"
	"github.com/spf13/cobra"
)

var (
	rpcClient *client.RPCClient

	// ContextCommands represents the client command group
	ContextCommands = &cobra.Command{
		Use:                "ctx",
		Short:              "Subscribe to, read and write context subjects",
		PersistentPreRunE:  setupClient,
		PersistentPostRunE: closeClient,
	}
)

func init() {
	// Add common RPC flags to the ctx command
	util.SetupRPCClientFlags(ContextCommands)

	// Add subcommands
	ContextCommands.AddCommand(supportCmd)
	ContextCommands.AddCommand(subscribeCmd)
	ContextCommands.AddCommand(readCmd)
	ContextCommands.AddCommand(readSyncCmd)
	ContextCommands.AddCommand(writeCmd)
}

// setupClient connects the RPC client
func setupClient(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	config := util.GetClientConfig()

	t, err := util.GetClientTransport()
	if err != nil {
		return err
	}

	rpcClient, err = client.NewRPCClient(*config, t)
	return err
}

func closeClient(_ *cobra.Command, _ []string) error {
	if rpcClient == nil {
		return nil
	}
	return rpcClient.Close()
}
