package util

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ValentinKolb/ctxd/rpc/common"
	"github.com/ValentinKolb/ctxd/rpc/serializer"
	"github.com/ValentinKolb/ctxd/rpc/transport"
	"github.com/ValentinKolb/ctxd/rpc/transport/dbus"
	"github.com/ValentinKolb/ctxd/rpc/transport/tcp"
	"github.com/ValentinKolb/ctxd/rpc/transport/unix"
	"github.com/joho/godotenv"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50

	// EnvPrefix is the prefix of all environment variables (CTXD_<flag>)
	EnvPrefix = "ctxd"
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// InitConfig loads .env files and binds environment variables to viper
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// --------------------------------------------------------------------------
// Client configuration
// --------------------------------------------------------------------------

// SetupRPCClientFlags adds common RPC connection flags to a command
func SetupRPCClientFlags(cmd *cobra.Command) {
	key := "timeout"
	cmd.PersistentFlags().Int(key, 10, WrapString("The timeout in seconds of the client"))

	key = "transport-endpoints"
	cmd.PersistentFlags().String(key, "/tmp/ctxd.sock", WrapString("The address of the context service (socket path, host:port or bus name). For socket transports multiple endpoints can be specified as a comma-separated list"))

	key = "transport-conn-per-endpoint"
	cmd.PersistentFlags().Int(key, 1, WrapString("Simultaneous connections per endpoint (ignored for dbus)"))

	key = "transport-retries"
	cmd.PersistentFlags().Int(key, 3, WrapString("How many times to retry sending a request (ignored for dbus)"))
}

// GetClientConfig reads client configuration from viper
func GetClientConfig() *common.ClientConfig {
	return &common.ClientConfig{
		TimeoutSecond:          viper.GetInt("timeout"),
		RetryCount:             viper.GetInt("transport-retries"),
		Endpoints:              strings.Split(viper.GetString("transport-endpoints"), ","),
		ConnectionsPerEndpoint: viper.GetInt("transport-conn-per-endpoint"),
	}
}

// --------------------------------------------------------------------------
// Serializer and transports
// --------------------------------------------------------------------------

// GetSerializer creates a serializer based on configuration
func GetSerializer() (serializer.IRPCSerializer, error) {
	switch viper.GetString("serializer") {
	case "json":
		return serializer.NewJSONSerializer(), nil
	case "gob":
		return serializer.NewGOBSerializer(), nil
	case "binary":
		return serializer.NewBinarySerializer(), nil
	default:
		return nil, fmt.Errorf("invalid serializer %s", viper.GetString("serializer"))
	}
}

// GetClientTransport creates the client transport based on configuration
func GetClientTransport() (transport.IRPCClientTransport, error) {
	name := viper.GetString("transport")
	if bus, ok := busType(name); ok {
		return dbus.NewDBusClientTransport(bus), nil
	}

	s, err := GetSerializer()
	if err != nil {
		return nil, err
	}

	switch name {
	case "tcp":
		return tcp.NewTCPClientTransport(s), nil
	case "unix":
		return unix.NewUnixClientTransport(s), nil
	default:
		return nil, fmt.Errorf("invalid transport %s", name)
	}
}

// GetServerTransport creates the server transport based on configuration
func GetServerTransport() (transport.IRPCServerTransport, error) {
	name := viper.GetString("transport")
	if bus, ok := busType(name); ok {
		return dbus.NewDBusServerTransport(bus), nil
	}

	s, err := GetSerializer()
	if err != nil {
		return nil, err
	}

	switch name {
	case "tcp":
		return tcp.NewTCPServerTransport(s), nil
	case "unix":
		return unix.NewUnixDefaultServerTransport(s), nil
	default:
		return nil, fmt.Errorf("invalid transport %s", name)
	}
}

// busType maps the dbus transport names to a bus
func busType(name string) (dbus.BusType, bool) {
	switch name {
	case "dbus", "dbus-session":
		return dbus.SessionBus, true
	case "dbus-system":
		return dbus.SystemBus, true
	default:
		return "", false
	}
}

// --------------------------------------------------------------------------
// Output
// --------------------------------------------------------------------------

// ParseJSONArg validates a JSON command line argument. An empty argument is nil.
func ParseJSONArg(arg string) (json.RawMessage, error) {
	if arg == "" {
		return nil, nil
	}
	if !json.Valid([]byte(arg)) {
		return nil, fmt.Errorf("invalid JSON: %s", arg)
	}
	return json.RawMessage(arg), nil
}

// FormatJSON indents a JSON value for terminal output
func FormatJSON(data json.RawMessage) string {
	if len(data) == 0 {
		return "{}"
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(data)
	}
	return string(b)
}

// PrintJSON prints a titled JSON value in a box
func PrintJSON(title string, data json.RawMessage) {
	pterm.DefaultBox.
		WithTitle(pterm.NewStyle(pterm.FgCyan, pterm.Bold).Sprint(title)).
		Println(FormatJSON(data))
}
