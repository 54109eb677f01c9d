package main

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/packetserver-io/packetserver/client"
)

func newJobCmd(flags *clientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Submit and inspect compute jobs",
	}
	cmd.AddCommand(newJobSubmitCmd(flags))
	cmd.AddCommand(newJobGetCmd(flags))
	cmd.AddCommand(newJobListCmd(flags))
	return cmd
}

func newJobSubmitCmd(flags *clientFlags) *cobra.Command {
	var (
		shell     bool
		env       []string
		files     []string
		includeDB bool
		quick     bool
	)

	cmd := &cobra.Command{
		Use:   "submit <cmd> [args...]",
		Short: "Submit a job for container execution",
		Long: `Submit a command for execution in the server's job container. By
default the arguments are passed as an argv list; --shell joins them
into a single shell command line instead.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jr := client.JobRequest{IncludeDB: includeDB, Quick: quick}
			if shell {
				jr.Cmd = strings.Join(args, " ")
			} else {
				jr.Cmd = args
			}

			if len(env) > 0 {
				jr.Env = map[string]string{}
				for _, kv := range env {
					k, v, _ := strings.Cut(kv, "=")
					jr.Env[k] = v
				}
			}
			if len(files) > 0 {
				jr.Files = map[string][]byte{}
				for _, path := range files {
					name, data, err := readFileArg(path)
					if err != nil {
						return err
					}
					jr.Files[name] = data
				}
			}

			cli, err := connect(flags)
			if err != nil {
				return err
			}
			defer cli.Close()

			ctx, cancel := opCtx(flags)
			defer cancel()

			result, err := cli.SubmitJob(ctx, flags.server, jr)
			if err != nil {
				return err
			}
			if result.Finished {
				return printJSON(result.View)
			}
			cmd.Printf("queued job %d\n", result.JobID)
			return nil
		},
	}

	cmd.Flags().BoolVar(&shell, "shell", false, "Run the arguments as one shell command line")
	cmd.Flags().StringArrayVarP(&env, "env", "e", nil, "Environment variable KEY=VALUE (repeatable)")
	cmd.Flags().StringArrayVarP(&files, "file", "f", nil, "Copy a local file into the job workspace (repeatable)")
	cmd.Flags().BoolVar(&includeDB, "db", false, "Include a snapshot of your data in the workspace")
	cmd.Flags().BoolVar(&quick, "quick", false, "Wait briefly for the job to finish and print its result")
	return cmd
}

func newJobGetCmd(flags *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Fetch one of your jobs",
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

			job, err := cli.GetJob(ctx, flags.server, id)
			if err != nil {
				return err
			}
			return printJSON(job)
		},
	}
}

func newJobListCmd(flags *clientFlags) *cobra.Command {
	var (
		limit  int
		idOnly bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := connect(flags)
			if err != nil {
				return err
			}
			defer cli.Close()

			ctx, cancel := opCtx(flags)
			defer cancel()

			jobs, err := cli.ListJobs(ctx, flags.server, limit, idOnly)
			if err != nil {
				return err
			}
			return printJSON(jobs)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Return at most this many jobs")
	cmd.Flags().BoolVar(&idOnly, "id-only", false, "Print only the job ids")
	return cmd
}
