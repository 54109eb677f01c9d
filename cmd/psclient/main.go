// Command psclient talks to a packetserver BBS from the command line.
// It runs over the directory transport, so it needs no radio hardware:
// point --root at a directory shared with the server (or with a bridge
// that forwards to one).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/packetserver-io/packetserver/callsign"
	"github.com/packetserver-io/packetserver/client"
	"github.com/packetserver-io/packetserver/wire"
)

var version = "dev"

// clientFlags are the connection settings shared by every subcommand.
type clientFlags struct {
	root     string
	call     string
	server   string
	mtu      int
	timeout  time.Duration
	compress int
	logFile  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &clientFlags{}

	root := &cobra.Command{
		Use:          "psclient",
		Short:        "packetserver client",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.root, "root", "./psconnections", "Directory transport root shared with the server")
	root.PersistentFlags().StringVar(&flags.call, "callsign", os.Getenv("PS_APP_CALLSIGN"), "Your callsign")
	root.PersistentFlags().StringVar(&flags.server, "server", os.Getenv("PS_APP_SERVER"), "Server callsign")
	root.PersistentFlags().IntVar(&flags.mtu, "mtu", 0, "Transport MTU (0 for default)")
	root.PersistentFlags().DurationVar(&flags.timeout, "timeout", client.DefaultTimeout, "Per-request timeout")
	root.PersistentFlags().IntVar(&flags.compress, "compress", 0, "Response compression: 0 none, 1 bzip2, 2 gzip, 3 deflate")
	root.PersistentFlags().StringVar(&flags.logFile, "log", "", "Request log file (off when empty)")

	root.AddCommand(newInfoCmd(flags))
	root.AddCommand(newUserCmd(flags))
	root.AddCommand(newBulletinCmd(flags))
	root.AddCommand(newMessageCmd(flags))
	root.AddCommand(newObjectCmd(flags))
	root.AddCommand(newJobCmd(flags))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("psclient %s\n", version)
		},
	})
	return root
}

// connect builds the client and validates the connection flags.
func connect(flags *clientFlags) (*client.Client, error) {
	if !callsign.Valid(flags.call) {
		return nil, fmt.Errorf("a valid callsign is required: pass --callsign or set PS_APP_CALLSIGN")
	}
	if !callsign.Valid(flags.server) {
		return nil, fmt.Errorf("a server callsign is required: pass --server or set PS_APP_SERVER")
	}

	opts := []client.Option{}
	if flags.compress > 0 {
		opts = append(opts, client.WithCompression(wire.Compression(flags.compress)))
	}
	if flags.logFile != "" {
		reqLog, err := client.NewRequestLog(flags.logFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithRequestLog(reqLog))
	}

	return client.New(
		client.NewDirectoryDialer(flags.root, callsign.Normalize(flags.call), flags.mtu),
		zap.NewNop(),
		opts...,
	), nil
}

// opCtx bounds one command run.
func opCtx(flags *clientFlags) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), flags.timeout)
}

// printJSON renders a result for the terminal.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// readFileArg loads a file argument, naming it by base name.
func readFileArg(path string) (string, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, err
	}
	return filepath.Base(path), data, nil
}
