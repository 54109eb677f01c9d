package main

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/packetserver-io/packetserver/client"
)

func newInfoCmd(flags *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Fetch the server greeting: operator, MOTD and your account line",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := connect(flags)
			if err != nil {
				return err
			}
			defer cli.Close()

			ctx, cancel := opCtx(flags)
			defer cancel()

			info, err := cli.RootInfo(ctx, flags.server)
			if err != nil {
				return err
			}
			return printJSON(info)
		},
	}
}

func newUserCmd(flags *clientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Look up users and manage your own profile",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <callsign>",
		Short: "Fetch one user's public profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := connect(flags)
			if err != nil {
				return err
			}
			defer cli.Close()

			ctx, cancel := opCtx(flags)
			defer cancel()

			user, err := cli.GetUser(ctx, flags.server, args[0])
			if err != nil {
				return err
			}
			return printJSON(user)
		},
	})

	var listLimit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List the server's users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := connect(flags)
			if err != nil {
				return err
			}
			defer cli.Close()

			ctx, cancel := opCtx(flags)
			defer cancel()

			users, err := cli.ListUsers(ctx, flags.server, listLimit)
			if err != nil {
				return err
			}
			return printJSON(users)
		},
	}
	list.Flags().IntVar(&listLimit, "limit", 0, "Return at most this many users")
	cmd.AddCommand(list)

	cmd.AddCommand(newProfileUpdateCmd(flags))
	return cmd
}

func newProfileUpdateCmd(flags *clientFlags) *cobra.Command {
	var (
		email, bio, status, location string
		socials                      []string
	)

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update your own profile (only the flags you pass change)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			patch := client.ProfilePatch{}
			if cmd.Flags().Changed("email") {
				patch.Email = &email
			}
			if cmd.Flags().Changed("bio") {
				patch.Bio = &bio
			}
			if cmd.Flags().Changed("status") {
				patch.Status = &status
			}
			if cmd.Flags().Changed("location") {
				patch.Location = &location
			}
			if cmd.Flags().Changed("social") {
				patch.Socials = socials
			}

			cli, err := connect(flags)
			if err != nil {
				return err
			}
			defer cli.Close()

			ctx, cancel := opCtx(flags)
			defer cancel()

			user, err := cli.UpdateProfile(ctx, flags.server, patch)
			if err != nil {
				return err
			}
			return printJSON(user)
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Contact email")
	cmd.Flags().StringVar(&bio, "bio", "", "Free-form bio")
	cmd.Flags().StringVar(&status, "status", "", "Short status line")
	cmd.Flags().StringVar(&location, "location", "", "Grid square or town")
	cmd.Flags().StringArrayVar(&socials, "social", nil, "Social link (repeatable; replaces the stored list)")
	return cmd
}

func newBulletinCmd(flags *clientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bulletin",
		Short: "Read and post board bulletins",
	}

	var postBody string
	post := &cobra.Command{
		Use:   "post <subject>",
		Short: "Post a bulletin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := connect(flags)
			if err != nil {
				return err
			}
			defer cli.Close()

			ctx, cancel := opCtx(flags)
			defer cancel()

			id, err := cli.PostBulletin(ctx, flags.server, args[0], postBody)
			if err != nil {
				return err
			}
			cmd.Printf("posted bulletin %d\n", id)
			return nil
		},
	}
	post.Flags().StringVar(&postBody, "body", "", "Bulletin body text")
	cmd.AddCommand(post)

	var listLimit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List the board, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := connect(flags)
			if err != nil {
				return err
			}
			defer cli.Close()

			ctx, cancel := opCtx(flags)
			defer cancel()

			bulletins, err := cli.ListBulletins(ctx, flags.server, listLimit)
			if err != nil {
				return err
			}
			return printJSON(bulletins)
		},
	}
	list.Flags().IntVar(&listLimit, "limit", 0, "Return at most this many bulletins")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Fetch one bulletin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return err
			}

			cli, err := connect(flags)
			if err != nil {
				return err
			}
			defer cli.Close()

			ctx, cancel := opCtx(flags)
			defer cancel()

			bulletin, err := cli.GetBulletin(ctx, flags.server, id)
			if err != nil {
				return err
			}
			return printJSON(bulletin)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete one of your own bulletins",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return err
			}

			cli, err := connect(flags)
			if err != nil {
				return err
			}
			defer cli.Close()

			ctx, cancel := opCtx(flags)
			defer cancel()

			if err := cli.DeleteBulletin(ctx, flags.server, id); err != nil {
				return err
			}
			cmd.Printf("deleted bulletin %d\n", id)
			return nil
		},
	})

	return cmd
}
