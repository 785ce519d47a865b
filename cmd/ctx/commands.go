package ctx

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ValentinKolb/ctxd/cmd/util"
	"github.com/ValentinKolb/ctxd/lib/errcode"
	"github.com/ValentinKolb/ctxd/rpc/client"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type completion struct {
	reqID int32
	code  errcode.Code
	data  json.RawMessage
}

// completions returns a listener that forwards completions to a channel
func completions() (client.Listener, chan completion) {
	ch := make(chan completion, 64)
	return client.ListenerFunc(func(_ string, reqID int32, code errcode.Code, data json.RawMessage) {
		select {
		case ch <- completion{reqID: reqID, code: code, data: data}:
		default:
			pterm.Warning.Printfln("dropping completion of request %d, output too slow", reqID)
		}
	}), ch
}

func printCompletion(subject string, c completion) {
	if c.code != errcode.ErrNone {
		pterm.Error.Printfln("%s (reqID=%d): %s", subject, c.reqID, c.code)
		return
	}
	util.PrintJSON(fmt.Sprintf("%s (reqID=%d) %s", subject, c.reqID, time.Now().Format(time.TimeOnly)), c.data)
}

var (
	supportCmd = &cobra.Command{
		Use:   "support [subject]",
		Short: "Checks if the service provides a subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subject := args[0]
			err := rpcClient.IsSupported(subject)
			switch errcode.Of(err) {
			case errcode.ErrNone:
				pterm.Success.Printfln("%s is supported", subject)
			case errcode.ErrNotSupported:
				pterm.Warning.Printfln("%s is not supported", subject)
			default:
				return err
			}
			return nil
		},
	}
	subscribeCmd = &cobra.Command{
		Use:   "subscribe [subject] [option]",
		Short: "Subscribes to a subject and prints every publication until interrupted",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			subject := args[0]
			option, err := optionArg(args)
			if err != nil {
				return err
			}
			count := viper.GetInt("count")

			l, ch := completions()
			reqID, result, err := rpcClient.Subscribe(subject, option, l)
			if err != nil {
				return err
			}
			pterm.Success.Printfln("subscribed to %s (reqID=%d)", subject, reqID)
			if len(result) > 0 {
				util.PrintJSON("result", result)
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sig)

			received := 0
		wait:
			for count <= 0 || received < count {
				select {
				case c := <-ch:
					printCompletion(subject, c)
					received++
				case <-sig:
					break wait
				}
			}

			if err := rpcClient.Unsubscribe(subject, reqID); err != nil {
				return err
			}
			pterm.Info.Printfln("unsubscribed from %s", subject)
			return nil
		},
	}
	readCmd = &cobra.Command{
		Use:   "read [subject] [option]",
		Short: "Reads the current value of a subject asynchronously",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			subject := args[0]
			option, err := optionArg(args)
			if err != nil {
				return err
			}

			l, ch := completions()
			rpcClient.AddListener(subject, l)

			reqID, _, err := rpcClient.Read(subject, option)
			if err != nil {
				return err
			}

			timeout := time.Duration(viper.GetInt("timeout")) * time.Second
			for {
				select {
				case c := <-ch:
					if c.reqID != reqID {
						continue
					}
					printCompletion(subject, c)
					return nil
				case <-time.After(timeout):
					return fmt.Errorf("no value for %s within %s", subject, timeout)
				}
			}
		},
	}
	readSyncCmd = &cobra.Command{
		Use:   "read-sync [subject] [option]",
		Short: "Reads the current value of a subject and waits for it",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			subject := args[0]
			option, err := optionArg(args)
			if err != nil {
				return err
			}

			reqID, output, err := rpcClient.ReadSync(subject, option)
			if err != nil {
				return err
			}
			printCompletion(subject, completion{reqID: reqID, data: output})
			return nil
		},
	}
	writeCmd = &cobra.Command{
		Use:   "write [subject] [data]",
		Short: "Writes a JSON value to a subject",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			subject := args[0]
			data, err := util.ParseJSONArg(args[1])
			if err != nil {
				return err
			}

			if !viper.GetBool("reply") {
				if err := rpcClient.Write(subject, data); err != nil {
					return err
				}
				pterm.Success.Printfln("written to %s", subject)
				return nil
			}

			result, err := rpcClient.WriteWithReply(subject, data)
			if err != nil {
				return err
			}
			pterm.Success.Printfln("written to %s", subject)
			util.PrintJSON("result", result)
			return nil
		},
	}
)

func init() {
	subscribeCmd.Flags().Int("count", 0, util.WrapString("Stop after this many publications (0 = until interrupted)"))
	writeCmd.Flags().Bool("reply", false, util.WrapString("Wait for the provider to confirm the write"))
}

func optionArg(args []string) (json.RawMessage, error) {
	if len(args) < 2 {
		return nil, nil
	}
	return util.ParseJSONArg(args[1])
}
