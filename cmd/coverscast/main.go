package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"
	_ "modernc.org/sqlite"

	"github.com/lox/coverscast/internal/api"
	"github.com/lox/coverscast/internal/forecast"
	"github.com/lox/coverscast/internal/ingest"
	"github.com/lox/coverscast/internal/jobs"
	"github.com/lox/coverscast/internal/models"
	"github.com/lox/coverscast/internal/store"
)

type CLI struct {
	EnvFile kongdotenv.ENVFileConfig `kong:"optional,name='env-file',default='.env',help='Path to a .env file.'"`

	DB       string `default:"data/coverscast.db" env:"COVERSCAST_DB" help:"Path to SQLite database."`
	TZ       string `default:"UTC" env:"COVERSCAST_TZ" help:"Timezone that defines the business day."`
	Holidays string `env:"COVERSCAST_HOLIDAYS" type:"existingfile" help:"Holiday calendar YAML (embedded default when empty)."`

	MinCovers        int     `default:"10" env:"COVERSCAST_MIN_COVERS" help:"Outcomes below this many covers are anomalies."`
	AccuracyLookback int     `default:"90" env:"COVERSCAST_ACCURACY_LOOKBACK" help:"Accuracy window in days."`
	BiasLookback     int     `default:"60" env:"COVERSCAST_BIAS_LOOKBACK" help:"Bias refresh window in days."`
	MinSamples       int     `default:"3" env:"COVERSCAST_MIN_SAMPLES" help:"Samples required before a day-type gets an offset."`
	DecayFactor      float64 `default:"0.8" env:"COVERSCAST_DECAY_FACTOR" help:"Daily multiplier applied to current offsets."`

	Sources Sources `embed:"" prefix:""`

	Serve   ServeCmd   `cmd:"" help:"Serve the API and run scheduled jobs."`
	Migrate MigrateCmd `cmd:"" help:"Apply database migrations and exit."`
	Run     RunCmd     `cmd:"" help:"Run one job now and print its summary."`
	Adjust  AdjustCmd  `cmd:"" help:"Install a manual bias adjustment for a venue."`
}

// Sources configures the outcome importers.
type Sources struct {
	FeedURL       string `env:"COVERSCAST_FEED_URL" help:"Outcome feed endpoint."`
	FeedToken     string `env:"COVERSCAST_FEED_TOKEN" help:"Bearer token for the outcome feed."`
	FeedLookback  int    `default:"7" env:"COVERSCAST_FEED_LOOKBACK" help:"Days re-requested from the feed on each import."`
	FTPHost       string `name:"ftp-host" env:"COVERSCAST_FTP_HOST" help:"POS export FTP host (host:port)."`
	FTPUser       string `name:"ftp-user" env:"COVERSCAST_FTP_USER" help:"FTP user (anonymous when empty)."`
	FTPPassword   string `name:"ftp-password" env:"COVERSCAST_FTP_PASSWORD" help:"FTP password."`
	FTPDir        string `name:"ftp-dir" default:"/" env:"COVERSCAST_FTP_DIR" help:"Directory holding CSV exports."`
	RetentionDays int    `default:"90" env:"COVERSCAST_PAYLOAD_RETENTION" help:"Days to keep archived import payloads (0 keeps forever)."`
}

type ServeCmd struct {
	Port    string   `default:"8080" env:"COVERSCAST_PORT" help:"HTTP server port."`
	NoCron  bool     `name:"no-cron" help:"Disable scheduled jobs (API only)."`
	Origins []string `env:"COVERSCAST_CORS_ORIGINS" help:"Dashboard origins allowed by CORS."`

	ImportCron    string `default:"15 4 * * *" env:"COVERSCAST_CRON_IMPORT" help:"Schedule for import_outcomes (empty disables)."`
	AccuracyCron  string `default:"0 5 * * *" env:"COVERSCAST_CRON_ACCURACY" help:"Schedule for recompute_accuracy."`
	RefreshCron   string `default:"30 5 * * 1" env:"COVERSCAST_CRON_REFRESH" help:"Schedule for refresh_bias."`
	DecayCron     string `default:"45 5 * * *" env:"COVERSCAST_CRON_DECAY" help:"Schedule for decay_bias."`
	OverridesCron string `default:"5 * * * *" env:"COVERSCAST_CRON_OVERRIDES" help:"Schedule for record_override_outcomes."`
}

type MigrateCmd struct{}

type RunCmd struct {
	Job string `arg:"" enum:"import_outcomes,recompute_accuracy,refresh_bias,decay_bias,record_override_outcomes,backfill_day_types" help:"Job to run."`

	Lookback    int     `help:"Override the job's lookback window in days."`
	MinCovers   int     `name:"min-covers" help:"Override the anomaly threshold."`
	MinSamples  int     `name:"min-samples" help:"Override the minimum sample count."`
	DecayFactor float64 `name:"decay-factor" help:"Override the decay factor."`
	CreatedBy   string  `name:"created-by" default:"cli" help:"Author recorded on refreshed adjustments."`
}

type AdjustCmd struct {
	Venue         string         `arg:"" help:"Venue UUID."`
	CoversOffset  int            `name:"covers" help:"General covers offset."`
	DayType       map[string]int `name:"day-type" help:"Per day-type offsets, e.g. --day-type=saturday=-8."`
	RevenueOffset string         `name:"revenue" default:"0" help:"Revenue offset."`
	Reason        string         `default:"manual adjustment" help:"Why the adjustment exists."`
	CreatedBy     string         `name:"created-by" required:"" help:"Who is making the adjustment."`
	From          string         `name:"from" help:"First day in force (YYYY-MM-DD, default today)."`
}

// App carries the wired dependencies every command runs against.
type App struct {
	Store    *store.Store
	Engine   *forecast.Engine
	Runner   *jobs.Runner
	Location *time.Location
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("coverscast"),
		kong.Description("Forecast accuracy tracking and bias correction for venue cover forecasts."),
		kong.UsageOnError(),
	)

	db, err := openDB(cli.DB)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	loc, err := time.LoadLocation(cli.TZ)
	if err != nil {
		log.Printf("Warning: could not load %s timezone, using UTC: %v", cli.TZ, err)
		loc = time.UTC
	}

	st := store.New(db, loc)
	if err := st.Migrate(); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	cal := forecast.DefaultCalendar()
	if cli.Holidays != "" {
		if cal, err = forecast.LoadCalendar(cli.Holidays); err != nil {
			log.Fatalf("holiday calendar: %v", err)
		}
	}

	engine := forecast.NewEngine(st, cal, forecast.Config{
		MinCovers:            cli.MinCovers,
		AccuracyLookbackDays: cli.AccuracyLookback,
		BiasLookbackDays:     cli.BiasLookback,
		MinSamples:           cli.MinSamples,
		DecayFactor:          cli.DecayFactor,
	})
	runner := jobs.NewRunner(st, engine, cli.Sources.importer(st))

	app := &App{Store: st, Engine: engine, Runner: runner, Location: loc}
	kctx.FatalIfErrorf(kctx.Run(app))
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")
	return db, nil
}

func (s Sources) importer(st *store.Store) *ingest.Importer {
	var feed *ingest.FeedClient
	if s.FeedURL != "" {
		feed = ingest.NewFeedClient(s.FeedURL, s.FeedToken)
	}
	var ftp *ingest.FTPClient
	if s.FTPHost != "" {
		ftp = ingest.NewFTPClient(s.FTPHost, s.FTPUser, s.FTPPassword, s.FTPDir)
	}
	if feed == nil && ftp == nil {
		return nil
	}

	im := ingest.NewImporter(st, feed, ftp)
	im.SetLookbackDays(s.FeedLookback)
	im.SetRetentionDays(s.RetentionDays)
	return im
}

func (c *ServeCmd) Run(app *App) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if !c.NoCron {
		scheduler, err := jobs.NewScheduler(app.Runner, app.Location, map[string]string{
			jobs.ImportOutcomes:         c.ImportCron,
			jobs.RecomputeAccuracy:      c.AccuracyCron,
			jobs.RefreshBias:            c.RefreshCron,
			jobs.DecayBias:              c.DecayCron,
			jobs.RecordOverrideOutcomes: c.OverridesCron,
		})
		if err != nil {
			return err
		}
		go scheduler.Run(ctx)
	} else {
		log.Println("scheduled jobs disabled (--no-cron)")
	}

	server := api.NewServer(app.Store, app.Engine, app.Runner, c.Port)
	server.SetAllowedOrigins(c.Origins)

	log.Printf("starting server on :%s", c.Port)
	return server.Run(ctx)
}

func (c *MigrateCmd) Run(app *App) error {
	version, err := app.Store.MigrationVersion()
	if err != nil {
		return err
	}
	log.Printf("database at schema version %d", version)
	return nil
}

func (c *RunCmd) Run(app *App) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if c.Job == "backfill_day_types" {
		n, err := app.Engine.BackfillDayTypes()
		if err != nil {
			return err
		}
		log.Printf("classified %d forecasts", n)
		return nil
	}

	summary, err := app.Runner.Run(ctx, c.Job, "cli", jobs.Params{
		LookbackDays: c.Lookback,
		MinCovers:    c.MinCovers,
		MinSamples:   c.MinSamples,
		DecayFactor:  c.DecayFactor,
		CreatedBy:    c.CreatedBy,
	})
	if summary != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(summary)
	}
	return err
}

func (c *AdjustCmd) Run(app *App) error {
	revenue, err := decimal.NewFromString(c.RevenueOffset)
	if err != nil {
		return fmt.Errorf("revenue: %w", err)
	}
	venue, err := uuid.Parse(c.Venue)
	if err != nil {
		return fmt.Errorf("venue: %w", err)
	}

	adj := models.BiasAdjustment{
		VenueID:        venue.String(),
		CoversOffset:   c.CoversOffset,
		DayTypeOffsets: make(map[models.DayType]int, len(c.DayType)),
		RevenueOffset:  revenue,
		Reason:         c.Reason,
		CreatedBy:      c.CreatedBy,
	}
	for k, v := range c.DayType {
		adj.DayTypeOffsets[models.DayType(strings.ToLower(k))] = v
	}
	if c.From != "" {
		if adj.EffectiveFrom, err = models.ParseDate(c.From); err != nil {
			return fmt.Errorf("from: %w", err)
		}
	}

	created, err := app.Engine.CreateAdjustment(adj)
	if err != nil {
		return err
	}
	log.Printf("adjustment %d in force for %s from %s", created.ID, created.VenueID, created.EffectiveFrom.Format(models.DateLayout))
	return nil
}
