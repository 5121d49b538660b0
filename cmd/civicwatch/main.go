// Command civicwatch follows a civic report account from the terminal: it
// keeps the live channel open, mirrors notifications and prints dashboard
// aggregates as they change.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"civicreport-service/internal/client/aggregate"
	"civicreport-service/internal/client/api"
	"civicreport-service/internal/client/config"
	"civicreport-service/internal/client/dashboard"
	"civicreport-service/internal/client/ledger"
	"civicreport-service/internal/client/livechannel"
	"civicreport-service/internal/client/sessionstore"
	"civicreport-service/internal/domain/issue"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "civicwatch:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(config.Flags(), os.Args[1:])
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Debug)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ring, err := sessionstore.OpenKeyring(cfg.KeyringDir, cfg.Passphrase)
	if err != nil {
		return err
	}
	store := sessionstore.New(ring, logger)
	client := api.New(cfg.Server)

	space := cfg.IdentitySpace()
	sess := store.Load(space)
	if sess == nil {
		if cfg.Email == "" {
			return fmt.Errorf("no stored %s session; pass --email and --password to sign in", space)
		}
		resp, err := client.Login(ctx, space, cfg.Email, cfg.Password)
		if err != nil {
			return fmt.Errorf("sign in: %w", err)
		}
		sess = &sessionstore.Session{
			Space:       space,
			SubjectID:   resp.User.ID,
			DisplayName: resp.User.Name,
			Role:        resp.User.Role,
			Department:  resp.User.Department,
			Credential:  resp.AccessToken,
		}
		if err := store.Save(sess); err != nil {
			return err
		}
	}
	client.SetToken(sess.Credential)

	wsURL, err := livechannel.WebSocketURL(cfg.Server)
	if err != nil {
		return err
	}
	channel := livechannel.New(wsURL, logger, livechannel.WithAdvisory(func(a livechannel.Advisory) {
		fmt.Printf("! %s: %s\n", a.Title, a.Message)
	}))

	dash := dashboard.New(
		channel,
		ledger.New(client, *sess, logger),
		aggregate.New(client, *sess, cfg.Mode(), logger),
		cfg.Limit,
		logger,
	)

	// A logout or re-login elsewhere ends this watch; the ledger and view are
	// bound to the identity they were built for.
	identityChanged := make(chan struct{}, 1)
	unwatch := store.Subscribe(space, func(next *sessionstore.Session) {
		channel.SetSession(next)
		select {
		case identityChanged <- struct{}{}:
		default:
		}
	})
	defer unwatch()

	err = dash.Mount(ctx, dashboard.Listener{
		State: func(s livechannel.State) {
			fmt.Printf("live channel %s (online: %d)\n", s, channel.OnlineUsers())
		},
		Ledger: func(records, unread int) {
			fmt.Printf("notifications: %d cached, %d unread\n", records, unread)
		},
		Aggregate: func(s aggregate.Summary, err error) {
			if err != nil {
				fmt.Printf("aggregate unavailable: %v\n", err)
				return
			}
			fmt.Printf("issues: %d total, pending %d, in progress %d, resolved %d, resolution %.0f%%\n",
				s.Total,
				s.ByStatus[issue.StatusPending],
				s.ByStatus[issue.StatusInProgress],
				s.ByStatus[issue.StatusResolved],
				s.ResolutionRate*100,
			)
		},
	})
	if err != nil {
		logger.Warn("initial load incomplete", zap.Error(err))
	}
	defer dash.Unmount()

	channel.SetSession(sess)
	channel.Start(ctx)
	defer channel.Stop()

	select {
	case <-ctx.Done():
	case <-identityChanged:
		fmt.Println("session changed, exiting")
	}
	return nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	}
	return cfg.Build()
}
