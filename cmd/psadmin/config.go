package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/packetserver-io/packetserver/internal/repositories"
)

func newConfigCmd(flags *storeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Dump or load the mutable server configuration",
	}
	cmd.AddCommand(newConfigDumpCmd(flags))
	cmd.AddCommand(newConfigLoadCmd(flags))
	return cmd
}

func newConfigDumpCmd(flags *storeFlags) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Write the current server configuration as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx, flags)
			if err != nil {
				return err
			}
			defer store.Close()

			var cfg *repositories.ServerConfig
			err = store.Transaction(ctx, func(tx *gorm.DB) error {
				cfg, err = repositories.NewConfigRepository(tx).Load(ctx)
				return err
			})
			if err != nil {
				return err
			}

			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			data = append(data, '\n')
			if out == "" || out == "-" {
				_, err = os.Stdout.Write(data)
				return err
			}
			return os.WriteFile(out, data, 0o644)
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file (default stdout)")
	return cmd
}

func newConfigLoadCmd(flags *storeFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "load <file>",
		Short: "Replace the server configuration from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			// Start from defaults so keys absent from the file keep their
			// documented values instead of zeroing out.
			cfg := repositories.DefaultServerConfig()
			if err := json.Unmarshal(data, cfg); err != nil {
				return fmt.Errorf("decode config: %w", err)
			}

			store, err := openStore(ctx, flags)
			if err != nil {
				return err
			}
			defer store.Close()

			err = store.Transaction(ctx, func(tx *gorm.DB) error {
				return repositories.NewConfigRepository(tx).Save(ctx, cfg)
			})
			if err != nil {
				return err
			}
			fmt.Println("configuration saved")
			return nil
		},
	}
}

// loadConfig is shared by the httpuser commands that touch the blacklist.
func loadConfig(ctx context.Context, store storeTx) (*repositories.ServerConfig, error) {
	var cfg *repositories.ServerConfig
	err := store.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		cfg, err = repositories.NewConfigRepository(tx).Load(ctx)
		return err
	})
	return cfg, err
}

// storeTx is the slice of db.Store these helpers need.
type storeTx interface {
	Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error
}
