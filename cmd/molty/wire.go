package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"moltybet/engine/actors"
	"moltybet/engine/custody"
	"moltybet/engine/identity"
	"moltybet/engine/library"
	"moltybet/messaging/clearnet"
	"moltybet/messaging/oracle"
	"moltybet/messaging/relays"
	"moltybet/state/appsession"
	"moltybet/state/markets"
	"moltybet/state/settlement"
)

// app is everything a command needs, built once from config.
type app struct {
	conf      *viper.Viper
	store     *markets.Store
	root      identity.Identity
	session   identity.Identity
	rec       *settlement.Reconciler
	announcer *relays.Announcer
	custody   *custody.Reader
}

func loadConfig() *viper.Viper {
	// Various aspect of this application require global and local settings. To keep things
	// clean and tidy we put these settings in a Viper configuration.
	conf := viper.New()
	actors.InitConfig(conf)
	// make the config accessible globally
	actors.SetConfig(conf)
	return conf
}

func decimalSetting(conf *viper.Viper, key string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(conf.GetString(key))
	if err != nil {
		return decimal.Zero, fmt.Errorf("configuration: %s: %w", key, err)
	}
	return d, nil
}

func connConfig(conf *viper.Viper) (clearnet.ConnConfig, error) {
	allowance, err := decimalSetting(conf, "allowanceAmount")
	if err != nil {
		return clearnet.ConnConfig{}, err
	}
	return clearnet.ConnConfig{
		URL:         conf.GetString("coordinatorURL"),
		Application: conf.GetString("application"),
		Scope:       conf.GetString("scope"),
		Allowances:  []clearnet.Allowance{{Asset: actors.LedgerAsset(conf), Amount: allowance}},
		AuthExpiry:  time.Duration(conf.GetInt64("authExpirySeconds")) * time.Second,
		DialTimeout: conf.GetDuration("dialTimeout"),
		AuthTimeouts: clearnet.AuthTimeouts{
			Challenge: conf.GetDuration("challengeTimeout"),
			Verify:    conf.GetDuration("verifyTimeout"),
		},
		QueryTimeout: conf.GetDuration("queryTimeout"),
	}, nil
}

func priceSources(conf *viper.Viper) oracle.Chain {
	var chain oracle.Chain
	if key := conf.GetString("storkAPIKey"); len(key) > 0 {
		chain = append(chain, oracle.Stork{URL: conf.GetString("storkURL"), APIKey: key})
	}
	return append(chain, oracle.CoinGecko{URL: conf.GetString("coingeckoURL")})
}

// openStore opens the record store and the deployment's identities without touching the network.
func openStore(conf *viper.Viper) (*markets.Store, identity.Identity, identity.Identity, error) {
	if err := actors.Validate(conf); err != nil {
		return nil, identity.Identity{}, identity.Identity{}, err
	}
	store, err := markets.OpenStore(conf.GetString("stateFile"), conf.GetString("statePassphrase"))
	if err != nil {
		return nil, identity.Identity{}, identity.Identity{}, err
	}
	root, err := actors.RootIdentity(conf)
	if err != nil {
		return nil, identity.Identity{}, identity.Identity{}, err
	}
	session, err := actors.SessionIdentity(root, store)
	if err != nil {
		return nil, identity.Identity{}, identity.Identity{}, err
	}
	return store, root, session, nil
}

func setup(ctx context.Context, conf *viper.Viper) (*app, error) {
	store, root, session, err := openStore(conf)
	if err != nil {
		return nil, err
	}
	cc, err := connConfig(conf)
	if err != nil {
		return nil, err
	}
	amount, err := decimalSetting(conf, "defaultAmount")
	if err != nil {
		return nil, err
	}
	multiplier, err := decimalSetting(conf, "multiplier")
	if err != nil {
		return nil, err
	}
	rec := settlement.New(settlement.Options{
		Conn:     cc,
		Dial:     clearnet.Dial,
		Protocol: conf.GetString("protocol"),
		Asset:    actors.LedgerAsset(conf),
		Timeouts: appsession.Timeouts{
			Open:   conf.GetDuration("openTimeout"),
			Submit: conf.GetDuration("submitTimeout"),
			Close:  conf.GetDuration("closeTimeout"),
		},
		DefaultAsset:   conf.GetString("defaultAsset"),
		DefaultAmount:  amount,
		Multiplier:     multiplier,
		Expiry:         time.Duration(conf.GetInt64("expirySeconds")) * time.Second,
		PollInterval:   conf.GetDuration("settlementPollInterval"),
		SettlementWait: conf.GetDuration("settlementWait"),
	}, store, priceSources(conf), root, session)

	a := &app{conf: conf, store: store, root: root, session: session, rec: rec}
	a.announcer, err = relays.NewAnnouncer(root, conf.GetStringSlice("relays"), relays.PublishToRelay)
	if err != nil {
		return nil, err
	}
	rec.SetAnnouncer(a.announcer)

	a.custody, err = custody.Dial(ctx, conf.GetString("rpcURL"), conf.GetString("custodyAddress"), conf.GetString("tokenAddress"))
	switch {
	case errors.Is(err, custody.ErrNotConfigured):
		library.LogCLI("custody contract not configured, on-chain checks are off", 3)
	case err != nil:
		library.LogCLI("custody reader unavailable: "+err.Error(), 2)
	default:
		rec.SetCustody(a.custody)
	}
	return a, nil
}

func (a *app) Close() {
	a.custody.Close()
}
