package main

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/packetserver-io/packetserver/callsign"
	"github.com/packetserver-io/packetserver/internal/db"
	"github.com/packetserver-io/packetserver/internal/httpapi"
	"github.com/packetserver-io/packetserver/internal/repositories"
)

func newHTTPUserCmd(flags *storeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "httpuser",
		Short: "Manage dashboard accounts",
	}
	cmd.AddCommand(newHTTPUserAddCmd(flags))
	cmd.AddCommand(newHTTPUserDeleteCmd(flags))
	cmd.AddCommand(newHTTPUserSetPasswordCmd(flags))
	cmd.AddCommand(newHTTPUserToggleCmd(flags, "enable", true))
	cmd.AddCommand(newHTTPUserToggleCmd(flags, "disable", false))
	cmd.AddCommand(newHTTPUserRFEnableCmd(flags))
	cmd.AddCommand(newHTTPUserRFDisableCmd(flags))
	cmd.AddCommand(newHTTPUserListCmd(flags))
	cmd.AddCommand(newHTTPUserSyncMissingCmd(flags))
	return cmd
}

// cleanCallsign validates and normalizes a command argument. SSIDs are
// rejected: accounts are keyed by base callsign only.
func cleanCallsign(raw string) (string, error) {
	call := strings.ToUpper(strings.TrimSpace(raw))
	if strings.Contains(call, "-") {
		return "", fmt.Errorf("callsign %q carries an SSID, use the base callsign", raw)
	}
	if !callsign.ValidBase(call) {
		return "", fmt.Errorf("invalid callsign %q", raw)
	}
	return call, nil
}

// ensureBBSUser creates the BBS account a dashboard account mirrors when
// it does not exist yet.
func ensureBBSUser(ctx context.Context, tx *gorm.DB, call string) error {
	users := repositories.NewUserRepository(tx)
	_, err := users.GetByCallsign(ctx, call)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repositories.ErrNotFound) {
		return err
	}
	now := time.Now().UTC()
	return users.Create(ctx, &db.User{
		UUID:      uuid.New(),
		Callsign:  call,
		Enabled:   true,
		CreatedAt: now,
		LastSeen:  now,
	})
}

func newHTTPUserAddCmd(flags *storeFlags) *cobra.Command {
	var password string

	cmd := &cobra.Command{
		Use:   "add <callsign>",
		Short: "Create a dashboard account (and the BBS user if missing)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			call, err := cleanCallsign(args[0])
			if err != nil {
				return err
			}

			generated := false
			if password == "" {
				password, err = httpapi.RandomPassword(12)
				if err != nil {
					return err
				}
				generated = true
			}
			hash, err := httpapi.HashPassword(password)
			if err != nil {
				return err
			}

			store, err := openStore(ctx, flags)
			if err != nil {
				return err
			}
			defer store.Close()

			err = store.Transaction(ctx, func(tx *gorm.DB) error {
				if err := ensureBBSUser(ctx, tx, call); err != nil {
					return err
				}
				return repositories.NewHTTPUserRepository(tx).Create(ctx, &db.HTTPUser{
					Username:     call,
					PasswordHash: hash,
					HTTPEnabled:  true,
					CreatedAt:    time.Now().UTC(),
				})
			})
			if err != nil {
				return err
			}

			if generated {
				fmt.Printf("created %s with password: %s\n", call, password)
			} else {
				fmt.Printf("created %s\n", call)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&password, "password", "", "Account password (random when omitted)")
	return cmd
}

func newHTTPUserDeleteCmd(flags *storeFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <callsign>",
		Short: "Remove a dashboard account (the BBS user stays)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			call, err := cleanCallsign(args[0])
			if err != nil {
				return err
			}
			store, err := openStore(ctx, flags)
			if err != nil {
				return err
			}
			defer store.Close()

			err = store.Transaction(ctx, func(tx *gorm.DB) error {
				return repositories.NewHTTPUserRepository(tx).Delete(ctx, call)
			})
			if err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", call)
			return nil
		},
	}
}

func newHTTPUserSetPasswordCmd(flags *storeFlags) *cobra.Command {
	var password string

	cmd := &cobra.Command{
		Use:   "set-password <callsign>",
		Short: "Reset an account's password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			call, err := cleanCallsign(args[0])
			if err != nil {
				return err
			}

			generated := false
			if password == "" {
				password, err = httpapi.RandomPassword(12)
				if err != nil {
					return err
				}
				generated = true
			}
			hash, err := httpapi.HashPassword(password)
			if err != nil {
				return err
			}

			store, err := openStore(ctx, flags)
			if err != nil {
				return err
			}
			defer store.Close()

			err = store.Transaction(ctx, func(tx *gorm.DB) error {
				repo := repositories.NewHTTPUserRepository(tx)
				account, err := repo.Get(ctx, call)
				if err != nil {
					return err
				}
				account.PasswordHash = hash
				account.FailedAttempts = 0
				return repo.Update(ctx, account)
			})
			if err != nil {
				return err
			}

			if generated {
				fmt.Printf("new password for %s: %s\n", call, password)
			} else {
				fmt.Printf("password updated for %s\n", call)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&password, "password", "", "New password (random when omitted)")
	return cmd
}

func newHTTPUserToggleCmd(flags *storeFlags, verb string, enabled bool) *cobra.Command {
	short := "Disable dashboard access for an account"
	if enabled {
		short = "Enable dashboard access for an account"
	}
	return &cobra.Command{
		Use:   verb + " <callsign>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			call, err := cleanCallsign(args[0])
			if err != nil {
				return err
			}
			store, err := openStore(ctx, flags)
			if err != nil {
				return err
			}
			defer store.Close()

			err = store.Transaction(ctx, func(tx *gorm.DB) error {
				repo := repositories.NewHTTPUserRepository(tx)
				account, err := repo.Get(ctx, call)
				if err != nil {
					return err
				}
				account.HTTPEnabled = enabled
				return repo.Update(ctx, account)
			})
			if err != nil {
				return err
			}
			fmt.Printf("%sd %s\n", verb, call)
			return nil
		},
	}
}

func newHTTPUserRFEnableCmd(flags *storeFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rf-enable <callsign>",
		Short: "Remove a callsign from the RF blacklist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			call, err := cleanCallsign(args[0])
			if err != nil {
				return err
			}
			if call == db.SystemCallsign {
				return fmt.Errorf("%s is permanently denied", db.SystemCallsign)
			}
			store, err := openStore(ctx, flags)
			if err != nil {
				return err
			}
			defer store.Close()

			err = store.Transaction(ctx, func(tx *gorm.DB) error {
				repo := repositories.NewConfigRepository(tx)
				cfg, err := repo.Load(ctx)
				if err != nil {
					return err
				}
				cfg.Blacklist = slices.DeleteFunc(cfg.Blacklist, func(s string) bool {
					return strings.EqualFold(s, call)
				})
				return repo.Save(ctx, cfg)
			})
			if err != nil {
				return err
			}
			fmt.Printf("%s may connect over RF\n", call)
			return nil
		},
	}
}

func newHTTPUserRFDisableCmd(flags *storeFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rf-disable <callsign>",
		Short: "Add a callsign to the RF blacklist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			call, err := cleanCallsign(args[0])
			if err != nil {
				return err
			}
			store, err := openStore(ctx, flags)
			if err != nil {
				return err
			}
			defer store.Close()

			err = store.Transaction(ctx, func(tx *gorm.DB) error {
				repo := repositories.NewConfigRepository(tx)
				cfg, err := repo.Load(ctx)
				if err != nil {
					return err
				}
				if !cfg.Blacklisted(call) {
					cfg.Blacklist = append(cfg.Blacklist, call)
				}
				return repo.Save(ctx, cfg)
			})
			if err != nil {
				return err
			}
			fmt.Printf("%s is blacklisted on RF\n", call)
			return nil
		},
	}
}

func newHTTPUserListCmd(flags *storeFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List dashboard accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx, flags)
			if err != nil {
				return err
			}
			defer store.Close()

			var accounts []db.HTTPUser
			cfg, err := loadConfig(ctx, store)
			if err != nil {
				return err
			}
			err = store.Transaction(ctx, func(tx *gorm.DB) error {
				accounts, err = repositories.NewHTTPUserRepository(tx).List(ctx)
				return err
			})
			if err != nil {
				return err
			}

			for _, a := range accounts {
				rf := "rf:on"
				if cfg.Blacklisted(a.Username) {
					rf = "rf:off"
				}
				http := "http:on"
				if !a.HTTPEnabled {
					http = "http:off"
				}
				last := "never"
				if a.LastLogin != nil {
					last = a.LastLogin.UTC().Format(time.RFC3339)
				}
				fmt.Printf("%-10s %-8s %-7s failed:%-3d last_login:%s\n",
					a.Username, http, rf, a.FailedAttempts, last)
			}
			return nil
		},
	}
}

func newHTTPUserSyncMissingCmd(flags *storeFlags) *cobra.Command {
	var (
		dryRun bool
		enable bool
	)

	cmd := &cobra.Command{
		Use:   "sync-missing",
		Short: "Create dashboard accounts for BBS users that lack one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx, flags)
			if err != nil {
				return err
			}
			defer store.Close()

			type planned struct {
				call     string
				password string
			}
			var plan []planned

			err = store.Transaction(ctx, func(tx *gorm.DB) error {
				users, err := repositories.NewUserRepository(tx).ListAll(ctx)
				if err != nil {
					return err
				}
				accounts := repositories.NewHTTPUserRepository(tx)
				for _, u := range users {
					if u.Callsign == db.SystemCallsign {
						continue
					}
					_, err := accounts.Get(ctx, u.Callsign)
					if err == nil {
						continue
					}
					if !errors.Is(err, repositories.ErrNotFound) {
						return err
					}

					password, err := httpapi.RandomPassword(12)
					if err != nil {
						return err
					}
					plan = append(plan, planned{call: u.Callsign, password: password})
					if dryRun {
						continue
					}
					hash, err := httpapi.HashPassword(password)
					if err != nil {
						return err
					}
					if err := accounts.Create(ctx, &db.HTTPUser{
						Username:     u.Callsign,
						PasswordHash: hash,
						HTTPEnabled:  enable,
						CreatedAt:    time.Now().UTC(),
					}); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				return err
			}

			if len(plan) == 0 {
				fmt.Println("nothing to do")
				return nil
			}
			for _, p := range plan {
				if dryRun {
					fmt.Printf("would create %s\n", p.call)
				} else {
					fmt.Printf("created %s with password: %s\n", p.call, p.password)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report without creating anything")
	cmd.Flags().BoolVar(&enable, "enable", false, "Create accounts with dashboard access enabled")
	return cmd
}
