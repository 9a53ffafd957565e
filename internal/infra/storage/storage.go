// Package storage selects and opens the store of record for the binaries.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"drip-engine/internal/config"
	"drip-engine/internal/infra/adapter/persistence/memory"
	pgRepo "drip-engine/internal/infra/adapter/persistence/postgres"
	"drip-engine/internal/infra/db"
	"drip-engine/internal/repository"
	"drip-engine/internal/resilience/retry"
)

// Driver names accepted in STORE_DRIVER.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Options selects the backend and optional seed file.
type Options struct {
	Driver      string
	DatabaseURL string
	// Migrate applies the schema before use.
	Migrate bool
	// ChannelsFile is a YAML document of channels and, for the memory
	// driver, campaigns to seed.
	ChannelsFile string
	// LookupEnv resolves channel credential variables. Nil uses os.LookupEnv.
	LookupEnv func(string) (string, bool)
	// Retry paces the database dial and the schema wait. The zero value
	// uses retry.ConnectConfig.
	Retry retry.Config
}

func (o Options) retryConfig() retry.Config {
	if o.Retry.MaxAttempts < 1 {
		return retry.ConnectConfig()
	}
	return o.Retry
}

// retryableOpen retries every dial failure except a missing DSN; a
// starting Postgres answers with server errors rather than refusals.
func retryableOpen(err error) bool {
	return !errors.Is(err, db.ErrMissingDSN) && retry.Always(err)
}

// OptionsFromEnv reads STORE_DRIVER, DATABASE_URL, DB_MIGRATE and
// CHANNELS_FILE.
func OptionsFromEnv() Options {
	driver := strings.ToLower(strings.TrimSpace(os.Getenv("STORE_DRIVER")))
	if driver == "" {
		driver = DriverPostgres
	}
	return Options{
		Driver:       driver,
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		Migrate:      os.Getenv("DB_MIGRATE") == "true",
		ChannelsFile: os.Getenv("CHANNELS_FILE"),
	}
}

// Stores bundles the repositories of one backend.
type Stores struct {
	Campaigns   repository.CampaignRepository
	Subscribers repository.SubscriberRepository
	Contacts    repository.ContactRepository
	Logs        repository.DeliveryLogRepository
	Channels    repository.ChannelRepository

	// DB is nil for the memory driver.
	DB *sql.DB

	// Seeded lists the records written from the channels file.
	Seeded Seeded
}

// Seeded holds the ids written at boot, so cached copies of earlier
// versions can be dropped.
type Seeded struct {
	Channels  []int64
	Campaigns []int64
}

// Invalidator drops cached campaign and channel facts.
type Invalidator interface {
	InvalidateCampaign(ctx context.Context, campaignID int64) error
	InvalidateChannel(ctx context.Context, channelID int64) error
}

// InvalidateSeeded evicts every seeded channel and campaign from inv.
func (s *Stores) InvalidateSeeded(ctx context.Context, inv Invalidator) error {
	for _, id := range s.Seeded.Channels {
		if err := inv.InvalidateChannel(ctx, id); err != nil {
			return err
		}
	}
	for _, id := range s.Seeded.Campaigns {
		if err := inv.InvalidateCampaign(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Ping verifies the backend is reachable.
func (s *Stores) Ping(ctx context.Context) error {
	if s.DB == nil {
		return nil
	}
	return s.DB.PingContext(ctx)
}

// Close releases the backend.
func (s *Stores) Close() error {
	if s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// Open builds the repositories for opts.Driver and applies the channels file.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (*Stores, error) {
	var (
		stores *Stores
		seed   bool
	)
	switch opts.Driver {
	case DriverMemory:
		m := memory.NewStore()
		stores = &Stores{
			Campaigns:   m.Campaigns(),
			Subscribers: m.Subscribers(),
			Contacts:    m.Contacts(),
			Logs:        m.DeliveryLogs(),
			Channels:    m.Channels(),
		}
		seed = true
		logger.Warn("using in-memory store, state is lost on restart")
	case DriverPostgres:
		var database *sql.DB
		err := retry.WithBackoffIf(ctx, opts.retryConfig(), retryableOpen, func() error {
			var err error
			database, err = db.Open(ctx, opts.DatabaseURL)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("storage.Open: %w", err)
		}
		if opts.Migrate {
			if err := db.MigrateUp(ctx, database); err != nil {
				_ = database.Close()
				return nil, fmt.Errorf("storage.Open: %w", err)
			}
		}
		if err := db.WaitForSchema(ctx, database, opts.retryConfig()); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("storage.Open: %w", err)
		}
		stores = &Stores{
			Campaigns:   pgRepo.NewCampaignRepo(database),
			Subscribers: pgRepo.NewSubscriberRepo(database),
			Contacts:    pgRepo.NewContactRepo(database),
			Logs:        pgRepo.NewDeliveryLogRepo(database),
			Channels:    pgRepo.NewChannelRepo(database),
			DB:          database,
		}
	default:
		return nil, fmt.Errorf("storage.Open: unknown driver %q", opts.Driver)
	}

	if opts.ChannelsFile != "" {
		if err := apply(ctx, stores, opts, seed, logger); err != nil {
			_ = stores.Close()
			return nil, fmt.Errorf("storage.Open: %w", err)
		}
	}
	return stores, nil
}

// apply upserts the file's channels. Campaigns are only seeded into the
// memory store; Postgres campaigns are managed outside the worker.
func apply(ctx context.Context, s *Stores, opts Options, seedCampaigns bool, logger *slog.Logger) error {
	f, err := config.LoadChannelsFile(opts.ChannelsFile)
	if err != nil {
		return err
	}
	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	n, err := f.ApplyChannels(ctx, s.Channels, lookup)
	if err != nil {
		return err
	}
	for _, ch := range f.Channels {
		s.Seeded.Channels = append(s.Seeded.Channels, ch.ID)
	}
	logger.Info("channels applied", slog.String("file", opts.ChannelsFile), slog.Int("count", n))

	if !seedCampaigns {
		if len(f.Campaigns) > 0 {
			logger.Warn("campaigns in channels file ignored for this driver", slog.String("driver", opts.Driver))
		}
		return nil
	}
	n, err = f.ApplyCampaigns(ctx, s.Campaigns)
	if err != nil {
		return err
	}
	for _, c := range f.Campaigns {
		s.Seeded.Campaigns = append(s.Seeded.Campaigns, c.ID)
	}
	logger.Info("campaigns seeded", slog.Int("count", n))
	return nil
}
