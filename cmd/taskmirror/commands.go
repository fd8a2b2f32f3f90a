package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/taskmirror/internal/config"
	"github.com/agentworkforce/taskmirror/internal/feed"
	"github.com/agentworkforce/taskmirror/internal/reconcile"
	"github.com/agentworkforce/taskmirror/internal/session"
	"github.com/agentworkforce/taskmirror/internal/tasks"
	"github.com/agentworkforce/taskmirror/internal/tui"
)

const shutdownTimeout = 5 * time.Second

func (c *cli) loginCmd() *cobra.Command {
	var access, refresh string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store the access and refresh tokens issued at login",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := c.open()
			if err != nil {
				return err
			}
			defer rt.Close()

			cred := session.Credential{AccessToken: strings.TrimSpace(access), RefreshToken: strings.TrimSpace(refresh)}
			if err := rt.session.Login(cmd.Context(), cred); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if expiry, ok := rt.session.TokenExpiry(cred.AccessToken); ok {
				fmt.Fprintf(out, "Logged in; access token valid until %s.\n", expiry.Local().Format(time.RFC1123))
				return nil
			}
			fmt.Fprintln(out, "Logged in.")
			return nil
		},
	}
	cmd.Flags().StringVar(&access, "access", "", "access token")
	cmd.Flags().StringVar(&refresh, "refresh", "", "refresh token")
	_ = cmd.MarkFlagRequired("refresh")
	return cmd
}

func (c *cli) logoutCmd() *cobra.Command {
	var purge bool
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Forget stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := c.open()
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.session.Clear(cmd.Context()); err != nil {
				return err
			}
			if purge {
				if err := rt.mirror.Clear(cmd.Context()); err != nil {
					return fmt.Errorf("clear cached tasks: %w", err)
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&purge, "purge", false, "also delete cached tasks")
	return cmd
}

func (c *cli) listCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show cached tasks without contacting the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := c.open()
			if err != nil {
				return err
			}
			defer rt.Close()

			engine, err := rt.loadedEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer engine.Close()
			return printSnapshot(cmd.OutOrStdout(), engine.Snapshot(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the snapshot as JSON")
	return cmd
}

func (c *cli) refreshCmd() *cobra.Command {
	var asJSON bool
	var search, sort, kind string
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Fetch available tasks, reconcile the cache and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := c.open()
			if err != nil {
				return err
			}
			defer rt.Close()

			engine, err := rt.loadedEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer engine.Close()

			query := rt.cfg.Query()
			if cmd.Flags().Changed("search") {
				query.Search = search
			}
			if cmd.Flags().Changed("sort") {
				query.Sort = sort
			}
			if cmd.Flags().Changed("type") {
				query.Type = kind
			}
			refreshErr := engine.SetQuery(cmd.Context(), query)
			if err := printSnapshot(cmd.OutOrStdout(), engine.Snapshot(), asJSON); err != nil {
				return err
			}
			if refreshErr != nil {
				return fmt.Errorf("refresh: %w", explain(refreshErr))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the snapshot as JSON")
	cmd.Flags().StringVar(&search, "search", "", "search text")
	cmd.Flags().StringVar(&sort, "sort", "", "sort order")
	cmd.Flags().StringVar(&kind, "type", "", "task type filter")
	return cmd
}

func (c *cli) withdrawCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "withdraw <task-id>",
		Short: "Hide a task locally and drop it from the cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := c.open()
			if err != nil {
				return err
			}
			defer rt.Close()

			engine, err := rt.loadedEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer engine.Close()

			id := strings.TrimSpace(args[0])
			if err := engine.Withdraw(cmd.Context(), id); err != nil {
				return explain(err)
			}
			message := "Withdrew " + id + "."
			if notice := engine.Snapshot().Notice; notice != nil && notice.Kind == reconcile.NoticeWithdrawn {
				message = notice.Message
			}
			fmt.Fprintln(cmd.OutOrStdout(), message)
			return nil
		},
	}
}

func (c *cli) applyCmd() *cobra.Command {
	var amount float64
	var message string
	cmd := &cobra.Command{
		Use:   "apply <task-id>",
		Short: "Send an offer for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := c.open()
			if err != nil {
				return err
			}
			defer rt.Close()

			id := strings.TrimSpace(args[0])
			if err := rt.client.Apply(cmd.Context(), id, tasks.Offer{Amount: amount, Message: message}); err != nil {
				return explain(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Offer sent for %s.\n", id)
			return nil
		},
	}
	cmd.Flags().Float64Var(&amount, "offer", 0, "offer amount")
	cmd.Flags().StringVar(&message, "message", "", "message to the task owner")
	_ = cmd.MarkFlagRequired("offer")
	return cmd
}

func (c *cli) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Keep the cache fresh and serve the dashboard and websocket feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := c.open()
			if err != nil {
				return err
			}
			defer rt.Close()

			engine, err := rt.newEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			if addr == "" {
				addr = rt.cfg.FeedAddr
			}
			listener, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			return serveFeed(cmd.Context(), rt, engine, listener)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to feed_addr)")
	return cmd
}

func serveFeed(ctx context.Context, rt *runtime, engine *reconcile.Engine, listener net.Listener) error {
	group, gctx := errgroup.WithContext(ctx)
	server := &http.Server{
		Handler:     feed.NewServer(engine, feed.ServerConfig{Logger: rt.logger}),
		BaseContext: func(net.Listener) context.Context { return gctx },
	}

	group.Go(func() error {
		return engine.Run(gctx)
	})
	group.Go(func() error {
		rt.logger.Printf("taskmirror feed listening on http://%s", listener.Addr())
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func (c *cli) tuiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tui",
		Short: "Browse and withdraw tasks in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := c.open()
			if err != nil {
				return err
			}
			defer rt.Close()

			engine, err := rt.newEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			done := make(chan struct{})
			go func() {
				defer close(done)
				_ = engine.Run(ctx)
			}()
			err = tui.Run(ctx, engine)
			cancel()
			<-done
			return err
		},
	}
}

func (c *cli) envCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "List the supported TASKMIRROR_* environment variables",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), config.Usage())
			return nil
		},
	}
}

func printSnapshot(w io.Writer, snap reconcile.Snapshot, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	if len(snap.Tasks) == 0 {
		fmt.Fprintln(w, "No tasks available.")
	} else {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTITLE\tOWNER\tLOCATION\tDEADLINE\tPRICE\tSTATUS")
		for _, task := range snap.Tasks {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				task.ID, task.Title, task.Owner.DisplayName, task.Location, task.Deadline, formatPrice(task.PriceRange), task.Status)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	if snap.Notice != nil {
		fmt.Fprintf(w, "\n%s\n", snap.Notice.Message)
	}
	return nil
}

func formatPrice(p tasks.PriceRange) string {
	switch {
	case p.Min == 0 && p.Max == 0:
		return "-"
	case p.Min == p.Max || p.Max == 0:
		return fmt.Sprintf("%.2f", p.Min)
	default:
		return fmt.Sprintf("%.2f-%.2f", p.Min, p.Max)
	}
}
