package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/marketsync/internal/apperr"
	"github.com/MarcoPoloResearchLab/marketsync/internal/assets"
	"github.com/MarcoPoloResearchLab/marketsync/internal/chat"
	"github.com/MarcoPoloResearchLab/marketsync/internal/collection"
	"github.com/MarcoPoloResearchLab/marketsync/internal/notify"
	"github.com/MarcoPoloResearchLab/marketsync/internal/projection"
	"github.com/MarcoPoloResearchLab/marketsync/internal/realtime"
	"github.com/MarcoPoloResearchLab/marketsync/internal/server"
	"github.com/MarcoPoloResearchLab/marketsync/internal/views"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// viewQueryFlags maps view command flags onto the query keys projection.FromQuery reads.
var viewQueryFlags = map[string]string{
	"search": "q",
	"status": "status",
	"min":    "min",
	"max":    "max",
	"from":   "from",
	"to":     "to",
	"sort":   "sort",
	"dir":    "dir",
	"page":   "page",
}

func newLoginCommand() *cobra.Command {
	var token, userID string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store a backend session token for the active profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication()
			if err != nil {
				return err
			}
			defer app.close()
			stored, err := app.sessions.Save(cmd.Context(), token, userID)
			if err != nil {
				return err
			}
			if stored.ExpiresAt.IsZero() {
				fmt.Fprintf(cmd.OutOrStdout(), "signed in as user %s\n", stored.UserID)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "signed in as user %s until %s\n", stored.UserID, stored.ExpiresAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "Backend bearer token")
	cmd.Flags().StringVar(&userID, "user-id", "", "User id (read from the token when omitted)")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session of the active profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication()
			if err != nil {
				return err
			}
			defer app.close()
			return app.sessions.Clear(cmd.Context())
		},
	}
}

func newViewCommand() *cobra.Command {
	var listingID string
	cmd := &cobra.Command{
		Use:       "view <name>",
		Short:     "Fetch a list view and print one projected page as JSON",
		Args:      cobra.ExactArgs(1),
		ValidArgs: views.Names(),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication()
			if err != nil {
				return err
			}
			defer app.close()

			registry := views.NewRegistry(views.Config{
				Remote:        app.remote,
				Credentials:   app.sessions,
				PageSize:      app.config.PageSize,
				Logger:        app.logger,
				Observer:      app.metrics,
				OnAuthFailure: app.signOut,
			})
			defer registry.Close()

			var vars map[string]string
			if listingID != "" {
				vars = map[string]string{"listingId": listingID}
			}
			view, err := registry.Get(cmd.Context(), args[0], vars)
			if err != nil {
				return err
			}

			query := url.Values{}
			for flag, key := range viewQueryFlags {
				if cmd.Flags().Changed(flag) {
					value, _ := cmd.Flags().GetString(flag)
					query.Set(key, value)
				}
			}
			state, err := projection.FromQuery(query, view.State())
			if err != nil {
				return err
			}
			if err := view.SetState(cmd.Context(), state); err != nil {
				return err
			}

			page, state := view.Render()
			records := make([]map[string]any, 0, len(page.Records))
			for _, record := range page.Records {
				records = append(records, record.Fields)
			}
			output := map[string]any{
				"view":    view.Name(),
				"state":   state,
				"page":    page,
				"records": records,
			}
			if err := view.LastError(); err != nil {
				output["error"] = apperr.Message(err)
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(output)
		},
	}
	cmd.Flags().StringVar(&listingID, "listing-id", "", "Listing id for per-listing views")
	cmd.Flags().String("search", "", "Search text")
	cmd.Flags().String("status", "", "Status filter (ALL for none)")
	cmd.Flags().String("min", "", "Lower bound of the view's numeric range")
	cmd.Flags().String("max", "", "Upper bound of the view's numeric range")
	cmd.Flags().String("from", "", "Start date (YYYY-MM-DD)")
	cmd.Flags().String("to", "", "End date (YYYY-MM-DD), inclusive")
	cmd.Flags().String("sort", "", "Sort field")
	cmd.Flags().String("dir", "", "Sort direction (asc, desc)")
	cmd.Flags().String("page", "", "Page index, starting at 1")
	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the realtime channel and serve views over local HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication()
			if err != nil {
				return err
			}
			defer app.close()
			return runServer(cmd.Context(), app)
		},
	}
}

func runServer(ctx context.Context, app *application) error {
	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	userID, err := app.sessions.UserID(signalCtx)
	if err != nil {
		return fmt.Errorf("run `marketsync login` first: %w", err)
	}

	events := server.NewEventDispatcher()
	channel, err := app.newChannel(func(state realtime.State) {
		events.Publish(server.StreamMessage{
			Topic:     server.TopicEvents,
			EventType: server.EventConnection,
			Data:      map[string]any{"state": state.String()},
		})
	})
	if err != nil {
		return err
	}
	defer channel.Close() //nolint:errcheck
	if err := channel.Connect(signalCtx); err != nil {
		return err
	}

	feed, err := notify.NewFeed(notify.Config{
		Remote:        app.remote,
		Channel:       channel,
		UserID:        userID,
		Logger:        app.logger,
		Observer:      app.metrics,
		OnAuthFailure: app.signOut,
		OnNotification: func(record collection.Record) {
			events.Publish(server.StreamMessage{
				Topic:     server.TopicEvents,
				EventType: server.EventNotification,
				IDs:       []string{record.ID},
				Data:      map[string]any{"message": notify.Message(record)},
			})
		},
	})
	if err != nil {
		return err
	}
	defer feed.Close()
	if err := feed.Open(signalCtx); err != nil {
		app.logger.Warn("notification feed unavailable", zap.Error(err))
	}

	cart, err := views.NewCartCounter(views.CartConfig{
		Remote:      app.remote,
		Credentials: app.sessions,
		Interval:    app.config.CartPollInterval,
		Logger:      app.logger,
		OnChange: func(count int) {
			events.Publish(server.StreamMessage{
				Topic:     server.TopicEvents,
				EventType: server.EventCart,
				Data:      map[string]any{"count": count},
			})
		},
	})
	if err != nil {
		return err
	}
	cart.Start(signalCtx)
	defer cart.Stop()

	resolver, err := assets.NewResolver(assets.ResolverConfig{
		Fetcher:  app.remote,
		Logger:   app.logger,
		Observer: app.metrics,
	})
	if err != nil {
		return err
	}
	registry := views.NewRegistry(views.Config{
		Remote:        app.remote,
		Credentials:   app.sessions,
		Resolver:      resolver,
		PageSize:      app.config.PageSize,
		Logger:        app.logger,
		Observer:      app.metrics,
		OnAuthFailure: app.signOut,
	})
	defer registry.Close()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Views:      registry,
		Resolver:   resolver,
		Feed:       feed,
		Cart:       cart,
		Connection: channel,
		Events:     events,
		Metrics:    app.metrics.Handler(),
		Logger:     app.logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              app.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: app.config.HTTPTimeout,
	}

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		app.logger.Info("view server starting", zap.String("address", app.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func newChatCommand() *cobra.Command {
	var peerID, listingID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open a conversation and send stdin lines as messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication()
			if err != nil {
				return err
			}
			defer app.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			selfID, err := app.sessions.UserID(ctx)
			if err != nil {
				return fmt.Errorf("run `marketsync login` first: %w", err)
			}
			channel, err := app.newChannel(nil)
			if err != nil {
				return err
			}
			defer channel.Close() //nolint:errcheck
			if err := channel.Connect(ctx); err != nil {
				return err
			}

			thread, err := chat.NewThread(chat.Config{
				Remote:        app.remote,
				Channel:       channel,
				SelfID:        selfID,
				PeerID:        peerID,
				ListingID:     listingID,
				Logger:        app.logger,
				Observer:      app.metrics,
				OnAuthFailure: app.signOut,
			})
			if err != nil {
				return err
			}
			defer thread.Close()

			out := cmd.OutOrStdout()
			changes, cleanup := thread.Collection().Subscribe(ctx)
			defer cleanup()
			if err := thread.Open(ctx); err != nil {
				return err
			}
			for _, message := range thread.Messages() {
				printMessage(out, message)
			}
			go func() {
				for change := range changes {
					if change.Kind != collection.ChangeUpsert {
						continue
					}
					for _, id := range change.IDs {
						if message, ok := thread.Collection().Get(id); ok && !message.Pending {
							printMessage(out, message)
						}
					}
				}
			}()

			lines := make(chan string)
			go func() {
				defer close(lines)
				scanner := bufio.NewScanner(cmd.InOrStdin())
				for scanner.Scan() {
					lines <- scanner.Text()
				}
			}()
			for {
				select {
				case <-ctx.Done():
					return nil
				case line, ok := <-lines:
					if !ok {
						return nil
					}
					if !thread.CanSend() {
						fmt.Fprintln(cmd.ErrOrStderr(), "not connected; message not sent")
						continue
					}
					if _, err := thread.Send(ctx, line); err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "send failed: %v\n", err)
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&peerID, "peer", "", "User id of the other participant")
	cmd.Flags().StringVar(&listingID, "listing", "", "Listing the conversation is about")
	_ = cmd.MarkFlagRequired("peer")
	_ = cmd.MarkFlagRequired("listing")
	return cmd
}

func printMessage(out io.Writer, message collection.Record) {
	fmt.Fprintf(out, "%s  %s: %s\n", message.Timestamp.Local().Format(time.Kitchen), message.Texts["sender"], message.Texts["content"])
}

func newNotificationsCommand() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "Print the notification feed, optionally following live pushes",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication()
			if err != nil {
				return err
			}
			defer app.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			userID, err := app.sessions.UserID(ctx)
			if err != nil {
				return fmt.Errorf("run `marketsync login` first: %w", err)
			}
			channel, err := app.newChannel(nil)
			if err != nil {
				return err
			}
			defer channel.Close() //nolint:errcheck
			if follow {
				if err := channel.Connect(ctx); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			feed, err := notify.NewFeed(notify.Config{
				Remote:        app.remote,
				Channel:       channel,
				UserID:        userID,
				Logger:        app.logger,
				Observer:      app.metrics,
				OnAuthFailure: app.signOut,
				OnNotification: func(record collection.Record) {
					fmt.Fprintf(out, "new: %s\n", notify.Message(record))
				},
			})
			if err != nil {
				return err
			}
			defer feed.Close()
			if err := feed.Open(ctx); err != nil {
				return err
			}

			for _, record := range feed.Notifications() {
				marker := " "
				if !notify.IsRead(record) {
					marker = "*"
				}
				fmt.Fprintf(out, "%s %s  %s\n", marker, record.Timestamp.Local().Format(time.DateTime), notify.Message(record))
			}
			fmt.Fprintf(out, "%d unread\n", feed.Unread())
			if !follow {
				return nil
			}
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep running and print pushed notifications")
	return cmd
}
