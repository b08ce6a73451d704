package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"moltybet/engine/actors"
	"moltybet/engine/identity"
	"moltybet/engine/library"
	"moltybet/messaging/httpapi"
	"moltybet/messaging/relays"
	"moltybet/state/markets"
	"moltybet/state/settlement"
)

func printJSON(v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

// withApp loads config, builds the app and runs f with a context cancelled on interrupt.
func withApp(f func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	a, err := setup(ctx, loadConfig())
	if err != nil {
		return err
	}
	defer a.Close()
	return f(ctx, a)
}

func RootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "molty",
		Short:         "Prediction bets settled over a state channel coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}
	rootCmd.AddCommand(serveCommand(), marketsCommand(), priceCommand(), balancesCommand(), sessionKeyCommand(), announcementsCommand())
	return rootCmd
}

func serveCommand() *cobra.Command {
	var console bool
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "run the REST API the dashboard and kiosk use",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				return serve(ctx, a, console)
			})
		},
	}
	serveCmd.Flags().BoolVarP(&console, "console", "c", false, "listen for single key commands on the terminal")
	return serveCmd
}

func serve(ctx context.Context, a *app, console bool) error {
	if _, err := a.rec.Recover(); err != nil {
		return err
	}
	terminateChan := make(chan struct{})
	actors.SetTerminateChan(terminateChan)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	interrupt := make(chan struct{})
	if console {
		go cliListener(interrupt, a)
	}
	sleepChan := make(chan bool)
	sleeper(sleepChan)

	actors.GetWaitGroup().Add(1)
	go func() {
		defer actors.GetWaitGroup().Done()
		expireLoop(a.rec, terminateChan)
	}()

	errs := make(chan error, 1)
	go func() {
		errs <- httpapi.New(a.rec).ListenAndServe(ctx, a.conf.GetString("listenAddr"))
	}()

	var err error
	select {
	case err = <-errs:
	case <-ctx.Done():
	case <-interrupt:
	case <-sleepChan:
		library.LogCLI("system is going to sleep, shutting down", 2)
	}
	cancel()
	if err == nil {
		err = <-errs
	}
	actors.Shutdown()
	fmt.Println(library.Bye())
	return err
}

// expireLoop marks markets past their window as expired once a minute until terminate closes.
func expireLoop(rec *settlement.Reconciler, terminate chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-terminate:
			return
		case now := <-ticker.C:
			expired, err := rec.ExpireMarkets(now)
			if err != nil {
				library.LogCLI(err.Error(), 2)
				continue
			}
			for _, m := range expired {
				library.LogCLI("market "+m.ID+" has expired and can be resolved", 4)
			}
		}
	}
}

func marketsCommand() *cobra.Command {
	marketsCmd := &cobra.Command{
		Use:   "markets",
		Short: "list, create and resolve markets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				list, err := a.rec.Markets()
				if err != nil {
					return err
				}
				for _, m := range list {
					fmt.Printf("%s  %-15s  %-6s %s  %s\n", m.ID, m.Status, m.Outcome, m.Prediction.Question, m.AppSessionID)
				}
				return nil
			})
		},
	}

	var req settlement.OpenRequest
	var target, amount, multiplier string
	create := &cobra.Command{
		Use:   "create",
		Short: "open a session for a new prediction",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range []struct {
				raw string
				out *decimal.NullDecimal
			}{{target, &req.TargetPrice}, {amount, &req.Amount}, {multiplier, &req.Multiplier}} {
				if len(f.raw) == 0 {
					continue
				}
				d, err := decimal.NewFromString(f.raw)
				if err != nil {
					return fmt.Errorf("%w: %s", markets.ErrInvalidPrediction, err.Error())
				}
				*f.out = decimal.NewNullDecimal(d)
			}
			return withApp(func(ctx context.Context, a *app) error {
				m, err := a.rec.OpenMarket(ctx, req)
				if len(m.ID) > 0 {
					_ = printJSON(m)
				}
				return err
			})
		},
	}
	create.Flags().StringVarP(&req.Question, "question", "q", "", "question shown to the user")
	create.Flags().StringVarP(&req.Asset, "asset", "a", "", "asset pair, e.g. ETHUSD (default from config)")
	create.Flags().StringVarP(&req.Direction, "direction", "d", "LONG", "LONG (above) or SHORT (below)")
	create.Flags().StringVarP(&target, "target", "t", "", "target price (default 2% past the current price)")
	create.Flags().StringVar(&amount, "amount", "", "wager in ledger base units (default from config)")
	create.Flags().StringVar(&multiplier, "multiplier", "", "payout multiplier (default from config)")
	create.Flags().Int64Var(&req.ExpirySeconds, "expiry", 0, "seconds until the prediction expires")
	marketsCmd.AddCommand(create)

	var outcome string
	resolve := &cobra.Command{
		Use:   "resolve [market id]",
		Short: "settle a market by price, or by --outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var forced *markets.Outcome
			if len(outcome) > 0 {
				o, err := markets.ParseOutcome(outcome)
				if err != nil {
					return err
				}
				forced = &o
			}
			return withApp(func(ctx context.Context, a *app) error {
				m, err := a.rec.ResolveMarket(ctx, args[0], forced)
				if len(m.ID) > 0 {
					_ = printJSON(m)
				}
				return err
			})
		},
	}
	resolve.Flags().StringVarP(&outcome, "outcome", "o", "", "WIN or LOSS, skips the price lookup")
	marketsCmd.AddCommand(resolve)

	verify := &cobra.Command{
		Use:   "verify [market id]",
		Short: "wait for the ledger to reflect a resolved market",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				v, err := a.rec.VerifySettlement(ctx, args[0])
				_ = printJSON(v)
				return err
			})
		},
	}
	marketsCmd.AddCommand(verify)
	return marketsCmd
}

func priceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "price [asset]",
		Short: "print the current price of an asset",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf := loadConfig()
			asset := conf.GetString("defaultAsset")
			if len(args) > 0 {
				asset = args[0]
			}
			q, err := priceSources(conf).Price(cmd.Context(), asset)
			if err != nil {
				return err
			}
			return printJSON(q)
		},
	}
}

func balancesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "balances",
		Short: "print the root account's ledger and custody balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				b, err := a.rec.Balances(ctx)
				if err != nil {
					return err
				}
				return printJSON(b)
			})
		},
	}
}

func sessionKeyCommand() *cobra.Command {
	var rotate bool
	cmd := &cobra.Command{
		Use:   "session-key",
		Short: "show the session key this deployment signs with",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf := loadConfig()
			store, root, session, err := openStore(conf)
			if err != nil {
				return err
			}
			if rotate {
				session, err = identity.GenerateSessionIdentity(root)
				if err != nil {
					return err
				}
				if err := store.SetSessionKey(session.Secret()); err != nil {
					return err
				}
				library.LogCLI("session key rotated", 4)
			}
			fmt.Printf("root:    %s\nsession: %s\nstore:   %s\n", root.Address.Hex(), session.Address.Hex(), store.Path())
			return nil
		},
	}
	cmd.Flags().BoolVar(&rotate, "rotate", false, "replace the stored session key with a new one")
	return cmd
}

func announcementsCommand() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "announcements",
		Short: "fetch this deployment's market announcements from the configured relays",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf := loadConfig()
			root, err := actors.RootIdentity(conf)
			if err != nil {
				return err
			}
			urls := conf.GetStringSlice("relays")
			if len(urls) == 0 {
				return fmt.Errorf("no relays configured")
			}
			author, err := nostr.GetPublicKey(root.NostrSecret())
			if err != nil {
				return err
			}
			for _, e := range relays.FetchAnnouncements(cmd.Context(), urls, author, wait) {
				market, _ := library.GetFirstTag(e, "market")
				fmt.Printf("%s  %-40s  %s\n", time.Unix(int64(e.CreatedAt), 0).Format(time.RFC3339), market, e.Content)
			}
			return nil
		},
	}
	cmd.Flags().DurationVarP(&wait, "wait", "w", 2*time.Second, "how long a relay may stay quiet before we stop listening")
	return cmd
}
