// Command psadmin administers a packetserver store out of band: it dumps
// and loads the mutable server configuration and manages dashboard
// accounts. It attaches to the same store the daemon uses, either by DSN
// or through the published zeo-address.txt.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/packetserver-io/packetserver/internal/db"
)

var version = "dev"

// storeFlags select the store backend for every subcommand.
type storeFlags struct {
	driver  string
	dsn     string
	zeoFile string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &storeFlags{}

	root := &cobra.Command{
		Use:   "psadmin",
		Short: "packetserver administration tool",
		Long: `psadmin manages a packetserver store directly: server configuration
dump/load and dashboard (HTTP) account management. Point it at the same
database the daemon uses; do not run destructive commands while unsure
which store you are attached to.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.driver, "db-driver", "sqlite", "Store driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&flags.dsn, "db", "", "Store DSN (SQLite file path or PostgreSQL DSN)")
	root.PersistentFlags().StringVar(&flags.zeoFile, "zeo-file", "", "Path to zeo-address.txt published by the daemon (postgres only)")

	root.AddCommand(newConfigCmd(flags))
	root.AddCommand(newHTTPUserCmd(flags))
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("psadmin %s\n", version)
		},
	}
}

// openStore connects per the persistent flags. --db wins; --zeo-file
// reads the published address and composes a conventional DSN around it.
func openStore(ctx context.Context, flags *storeFlags) (*db.Store, error) {
	logger := zap.NewNop()

	dsn := flags.dsn
	driver := flags.driver
	if dsn == "" && flags.zeoFile != "" {
		addr, err := db.ReadAddressFile(flags.zeoFile)
		if err != nil {
			return nil, err
		}
		driver = "postgres"
		dsn = fmt.Sprintf("postgres://packetserver@%s/packetserver?sslmode=disable", addr)
	}
	if dsn == "" {
		return nil, fmt.Errorf("a store is required: pass --db or --zeo-file")
	}

	store, err := db.Open(db.Config{Driver: driver, DSN: dsn, Logger: logger})
	if err != nil {
		return nil, err
	}
	if err := store.Ping(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}
