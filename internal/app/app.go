package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"tiered-sto/internal/alerting"
	"tiered-sto/internal/config"
	"tiered-sto/internal/offering"
	"tiered-sto/internal/oracle"
	"tiered-sto/internal/scheduler"
	"tiered-sto/internal/service"
	"tiered-sto/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives human-readable command output.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

// newOracleRegistry registers ETH/USD and POLY/USD sources of the configured kind.
func (a *App) newOracleRegistry() (*oracle.Registry, func(), error) {
	cfg := a.Config
	reg := oracle.NewRegistry(cfg.Oracle.ReadTimeout, a.Logger)
	eth := oracle.Pair{Base: offering.ETH.String(), Quote: offering.USD}
	poly := oracle.Pair{Base: offering.POLY.String(), Quote: offering.USD}
	closer := func() {}

	switch cfg.Oracle.Source {
	case config.OracleStatic:
		reg.Register(eth.Base, eth.Quote, oracle.Static{Label: "static:eth", Price: cfg.Oracle.ETHUSD})
		reg.Register(poly.Base, poly.Quote, oracle.Static{Label: "static:poly", Price: cfg.Oracle.POLYUSD})

	case config.OracleChain:
		contract := func(pair oracle.Pair, address string) *oracle.Contract {
			return oracle.NewContract(oracle.ContractOptions{
				RPCURL:  cfg.Ethereum.RPCURL,
				Address: address,
				Pair:    pair,
				Timeout: cfg.Ethereum.RequestTimeout,
			}, a.Logger)
		}
		ethSrc := contract(eth, cfg.Ethereum.ETHOracleAddress)
		polySrc := contract(poly, cfg.Ethereum.POLYOracleAddress)
		reg.Register(eth.Base, eth.Quote, ethSrc)
		reg.Register(poly.Base, poly.Quote, polySrc)
		closer = func() {
			ethSrc.Close()
			polySrc.Close()
		}

	case config.OracleHTTP:
		quote := func(assetID string) *oracle.HTTP {
			return oracle.NewHTTP(oracle.HTTPOptions{
				BaseURL:    cfg.Quote.BaseURL,
				AssetID:    assetID,
				VsCurrency: cfg.Quote.VsCurrency,
				APIKey:     cfg.Quote.APIKey,
				Timeout:    cfg.Quote.RequestTimeout,
				UserAgent:  cfg.Quote.UserAgent,
			}, a.Logger)
		}
		reg.Register(eth.Base, eth.Quote, quote(cfg.Quote.ETHAssetID))
		reg.Register(poly.Base, poly.Quote, quote(cfg.Quote.POLYAssetID))

	default:
		return nil, nil, fmt.Errorf("unsupported oracle source %q", cfg.Oracle.Source)
	}

	a.Logger.Debug().Str("source", cfg.Oracle.Source).Msg("oracle registry ready")
	return reg, closer, nil
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return alerting.NewLogNotifier(a.Logger)
}

// openStore returns a nil store when no DSN is configured.
func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	if a.Config.Database.AutoMigrate {
		applied, err := storage.Migrate(ctx, pool, a.Config.Database.MigrationsPath)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if len(applied) > 0 {
			a.Logger.Info().Strs("migrations", applied).Msg("database migrated")
		}
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running oracle watch service.
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	sched, err := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)
	if err != nil {
		return err
	}

	oracles, closeOracles, err := a.newOracleRegistry()
	if err != nil {
		return err
	}
	defer closeOracles()

	var sampleStore storage.PriceSampleStore
	var alertStore storage.AlertStore
	if store != nil {
		sampleStore = store
		alertStore = store
	}

	svc := service.New(a.Config, sched, oracles, sampleStore, alertStore, a.newNotifier(), a.Logger)

	if opts.Once {
		a.Logger.Info().Msg("sampling oracles once")
		return sched.Once(ctx, svc.ProcessBucket)
	}

	a.Logger.Info().Str("oracle_source", a.Config.Oracle.Source).Msg("starting oracle watch service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("oracle watch service stopped")
	return nil
}

// RunOptions configure the watch service.
type RunOptions struct {
	// Once samples the current bucket and exits.
	Once bool
}

// ExportOptions hold parameters for exporting historical samples.
type ExportOptions struct {
	From *time.Time
	To   *time.Time
	// Pair restricts the export to one currency pair.
	Pair      *oracle.Pair
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
	// What selects the table: samples, alerts or events.
	What string
}
