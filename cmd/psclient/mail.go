package main

import (
	"fmt"
	"os"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/packetserver-io/packetserver/client"
)

func newMessageCmd(flags *clientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "message",
		Short: "Send and read private messages",
	}
	cmd.AddCommand(newMessageSendCmd(flags))
	cmd.AddCommand(newMessageListCmd(flags))
	return cmd
}

func newMessageSendCmd(flags *clientFlags) *cobra.Command {
	var (
		text        string
		attachFiles []string
		attachUUIDs []string
	)

	cmd := &cobra.Command{
		Use:   "send <callsign> [callsign...]",
		Short: "Send a message to one or more callsigns",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			attachments := make([]client.Attachment, 0, len(attachFiles)+len(attachUUIDs))
			for _, path := range attachFiles {
				name, data, err := readFileArg(path)
				if err != nil {
					return err
				}
				attachments = append(attachments, client.Attachment{
					Name:   name,
					Data:   data,
					Binary: !utf8.Valid(data),
				})
			}
			for _, id := range attachUUIDs {
				attachments = append(attachments, client.Attachment{ObjectUUID: id})
			}

			cli, err := connect(flags)
			if err != nil {
				return err
			}
			defer cli.Close()

			ctx, cancel := opCtx(flags)
			defer cancel()

			result, err := cli.SendMessage(ctx, flags.server, text, args, attachments)
			if err != nil {
				return err
			}
			cmd.Printf("delivered to %d recipient(s), msg_id %s\n", result.Successes, result.MsgID)
			if len(result.Failed) > 0 {
				cmd.Printf("not delivered: %v\n", result.Failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&text, "text", "", "Message text")
	cmd.Flags().StringArrayVar(&attachFiles, "attach", nil, "Attach a local file (repeatable)")
	cmd.Flags().StringArrayVar(&attachUUIDs, "attach-object", nil, "Attach a stored object by uuid (repeatable)")
	return cmd
}

func newMessageListCmd(flags *clientFlags) *cobra.Command {
	var (
		source      string
		since       string
		sortBy      string
		reverse     bool
		search      string
		limit       int
		headersOnly bool
		fetchAtt    bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your mailbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := client.MessageOptions{
				Source:           source,
				Sort:             sortBy,
				Reverse:          reverse,
				Search:           search,
				Limit:            limit,
				FetchText:        !headersOnly,
				FetchAttachments: fetchAtt,
			}
			if since != "" {
				t, err := parseSinceArg(since)
				if err != nil {
					return err
				}
				opts.Since = &t
			}

			cli, err := connect(flags)
			if err != nil {
				return err
			}
			defer cli.Close()

			ctx, cancel := opCtx(flags)
			defer cancel()

			msgs, err := cli.ListMessages(ctx, flags.server, opts)
			if err != nil {
				return err
			}
			return printJSON(msgs)
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "Mailbox: received, sent or all")
	cmd.Flags().StringVar(&since, "since", "", "Only messages after this time (RFC 3339 or YYYYMMDD[HHMMSS])")
	cmd.Flags().StringVar(&sortBy, "sort", "", "Sort key")
	cmd.Flags().BoolVar(&reverse, "reverse", false, "Reverse the sort order")
	cmd.Flags().StringVar(&search, "search", "", "Substring filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "Return at most this many messages")
	cmd.Flags().BoolVar(&headersOnly, "headers", false, "Skip message text to save airtime")
	cmd.Flags().BoolVar(&fetchAtt, "fetch-attachments", false, "Include attachment data")
	return cmd
}

// parseSinceArg accepts RFC 3339 or the digit shorthand used on air,
// YYYYMMDD optionally followed by HHMMSS.
func parseSinceArg(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range []string{"20060102150405", "20060102"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable time %q", s)
}

func newObjectCmd(flags *clientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "object",
		Short: "Store and fetch named objects",
	}

	var (
		putName    string
		putPrivate bool
	)
	put := &cobra.Command{
		Use:   "put <file>",
		Short: "Upload a local file as an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, data, err := readFileArg(args[0])
			if err != nil {
				return err
			}
			if putName != "" {
				name = putName
			}

			cli, err := connect(flags)
			if err != nil {
				return err
			}
			defer cli.Close()

			ctx, cancel := opCtx(flags)
			defer cancel()

			id, err := cli.PutObject(ctx, flags.server, name, data, !utf8.Valid(data), putPrivate)
			if err != nil {
				return err
			}
			cmd.Println(id)
			return nil
		},
	}
	put.Flags().StringVar(&putName, "name", "", "Stored name (default: the file's base name)")
	put.Flags().BoolVar(&putPrivate, "private", false, "Only you can read it")
	cmd.AddCommand(put)

	var getOut string
	get := &cobra.Command{
		Use:   "get <uuid>",
		Short: "Fetch an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := connect(flags)
			if err != nil {
				return err
			}
			defer cli.Close()

			ctx, cancel := opCtx(flags)
			defer cancel()

			obj, err := cli.GetObject(ctx, flags.server, args[0], true)
			if err != nil {
				return err
			}
			if getOut == "" {
				return printJSON(obj)
			}
			data, ok := obj["data"].([]byte)
			if !ok {
				if s, sok := obj["data"].(string); sok {
					data, ok = []byte(s), true
				}
			}
			if !ok {
				return fmt.Errorf("object carried no data")
			}
			if err := os.WriteFile(getOut, data, 0o644); err != nil {
				return err
			}
			cmd.Printf("wrote %d bytes to %s\n", len(data), getOut)
			return nil
		},
	}
	get.Flags().StringVarP(&getOut, "out", "o", "", "Write the object data to this file instead of printing the dict")
	cmd.AddCommand(get)

	var (
		listLimit  int
		listSearch string
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List the objects visible to you",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := connect(flags)
			if err != nil {
				return err
			}
			defer cli.Close()

			ctx, cancel := opCtx(flags)
			defer cancel()

			objs, err := cli.ListObjects(ctx, flags.server, client.ObjectOptions{
				Limit:  listLimit,
				Search: listSearch,
			})
			if err != nil {
				return err
			}
			return printJSON(objs)
		},
	}
	list.Flags().IntVar(&listLimit, "limit", 0, "Return at most this many objects")
	list.Flags().StringVar(&listSearch, "search", "", "Substring filter on the name")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <uuid>",
		Short: "Delete one of your own objects",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := connect(flags)
			if err != nil {
				return err
			}
			defer cli.Close()

			ctx, cancel := opCtx(flags)
			defer cancel()

			if err := cli.DeleteObject(ctx, flags.server, args[0]); err != nil {
				return err
			}
			cmd.Printf("deleted %s\n", args[0])
			return nil
		},
	})

	return cmd
}
