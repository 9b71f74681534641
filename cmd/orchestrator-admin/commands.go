package main

import (
	"database/sql"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuongbtq/transcode-orchestrator/internal/auth"
	"github.com/cuongbtq/transcode-orchestrator/internal/domain"
	"github.com/cuongbtq/transcode-orchestrator/internal/jobqueue"
	jobqueuestorage "github.com/cuongbtq/transcode-orchestrator/internal/jobqueue/storage"
	"github.com/cuongbtq/transcode-orchestrator/internal/migrations"
	"github.com/cuongbtq/transcode-orchestrator/internal/runner"
	runnerstorage "github.com/cuongbtq/transcode-orchestrator/internal/runner/storage"
)

func migrateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	run := func(apply func(*cobra.Command, *sql.DB) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			db, err := a.database()
			if err != nil {
				return err
			}
			return apply(cmd, db.GetDB().DB)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		RunE: run(func(cmd *cobra.Command, db *sql.DB) error {
			if err := migrations.Up(cmd.Context(), db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied.")
			return nil
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: run(func(cmd *cobra.Command, db *sql.DB) error {
			if err := migrations.Down(cmd.Context(), db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migration rolled back.")
			return nil
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print the state of every migration",
		RunE: run(func(cmd *cobra.Command, db *sql.DB) error {
			return migrations.Status(cmd.Context(), db)
		}),
	})
	return cmd
}

func runnerService(a *app) (*runner.Service, error) {
	db, err := a.database()
	if err != nil {
		return nil, err
	}
	return runner.NewService(runnerstorage.NewStorage(db), a.cfg.RunnerJobs.LastContactUpdateInterval, a.logger), nil
}

func registrationTokenCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registration-token",
		Short: "Manage the tokens runners register with",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "generate",
		Short: "Create a registration token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := runnerService(a)
			if err != nil {
				return err
			}
			token, err := svc.GenerateRegistrationToken(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to generate registration token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token.RegistrationToken)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registration tokens, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := runnerService(a)
			if err != nil {
				return err
			}
			tokens, total, err := svc.ListRegistrationTokens(cmd.Context(), runner.ListOptions{
				Pagination: domain.Pagination{Start: 0, Count: domain.MaxPageSize},
				Sort:       domain.Sort{Field: "createdAt", Desc: true},
			})
			if err != nil {
				return fmt.Errorf("failed to list registration tokens: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTOKEN\tRUNNERS\tCREATED")
			for _, t := range tokens {
				fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", t.ID, t.RegistrationToken, t.RegisteredRunnersCount, t.CreatedAt.Format(time.RFC3339))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if total > len(tokens) {
				fmt.Fprintf(cmd.OutOrStdout(), "%d more not shown\n", total-len(tokens))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a registration token and the runners registered with it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}
			svc, err := runnerService(a)
			if err != nil {
				return err
			}
			if err := svc.DeleteRegistrationToken(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registration token %d deleted.\n", id)
			return nil
		},
	})
	return cmd
}

func tokenCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage administrator bearer tokens",
	}

	var (
		subject string
		rights  []string
		ttl     time.Duration
	)
	mint := &cobra.Command{
		Use:   "mint",
		Short: "Sign an administrator token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth jwt_secret is not configured")
			}
			tokens := auth.NewTokenService(a.cfg.Auth.JWTSecret, a.cfg.Auth.Issuer, a.cfg.Auth.TokenTTL)
			token, err := tokens.Issue(subject, rights, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	mint.Flags().StringVar(&subject, "subject", "admin", "Subject the token is issued to")
	mint.Flags().StringSliceVar(&rights, "rights", auth.AllRights, "Rights granted by the token")
	mint.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime, defaults to auth.token_ttl")

	cmd.AddCommand(mint)
	return cmd
}

func jobQueue(a *app) (*jobqueue.Manager, error) {
	db, err := a.database()
	if err != nil {
		return nil, err
	}
	return jobqueue.NewManager(jobqueue.Options{
		Backend: jobqueuestorage.NewStorage(db),
		Logger:  a.logger,
	}), nil
}

func jobsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect the local job queue",
	}

	var (
		state   string
		jobType string
		count   int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List local jobs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := jobqueue.ListOptions{Count: count}
			if state != "" {
				st, err := domain.ParseJobState(state)
				if err != nil {
					return err
				}
				opts.State = st
			}
			if jobType != "" {
				t, err := domain.ParseJobType(jobType)
				if err != nil {
					return err
				}
				opts.Type = t
			}

			queue, err := jobQueue(a)
			if err != nil {
				return err
			}
			jobs, err := queue.ListForAPI(cmd.Context(), opts)
			if err != nil {
				return fmt.Errorf("failed to list jobs: %w", err)
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs found.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tSTATE\tATTEMPTS\tPROGRESS\tCREATED\tERROR")
			for _, j := range jobs {
				errMsg := ""
				if j.ErrorMessage != nil {
					errMsg = *j.ErrorMessage
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%d/%d\t%d%%\t%s\t%s\n",
					j.ID, j.Type, j.State, j.AttemptsMade, j.MaxAttempts, j.Progress, j.CreatedAt.Format(time.RFC3339), errMsg)
			}
			return w.Flush()
		},
	}
	list.Flags().StringVar(&state, "state", "", "Only list jobs in this state")
	list.Flags().StringVar(&jobType, "type", "", "Only list jobs of this type")
	list.Flags().IntVar(&count, "count", 20, "Maximum number of jobs to list")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Count jobs per type and state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			queue, err := jobQueue(a)
			if err != nil {
				return err
			}
			all, err := queue.JobStats(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}

			states := []domain.JobState{
				domain.JobStateWaiting, domain.JobStatePrioritized, domain.JobStateWaitingChildren,
				domain.JobStateDelayed, domain.JobStateActive, domain.JobStateCompleted, domain.JobStateFailed,
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprint(w, "TYPE")
			for _, s := range states {
				fmt.Fprintf(w, "\t%s", s)
			}
			fmt.Fprintln(w)
			for _, ts := range all {
				fmt.Fprint(w, ts.JobType)
				for _, s := range states {
					fmt.Fprintf(w, "\t%d", ts.Counts[s])
				}
				fmt.Fprintln(w)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(list, stats)
	return cmd
}
