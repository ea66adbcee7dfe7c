package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"r0sim-server/sim"
)

const shutdownTimeout = 5 * time.Second

var (
	configPath string // YAML config file, empty = built-in defaults
	logLevel   string // overrides log.level

	// serve
	addr      string
	dbPath    string
	staticDir string
	seed      int64

	// record
	recordTicks  int
	videoPath    string
	csvPath      string
	chartPath    string
	fps          int
	frameSize    int
	r0           float64
	population   int
	vaccination  float64
	initInfected int
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "r0sim",
	Short: "Agent-based R0 epidemic simulation server",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the simulation and serve it over HTTP and websockets",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfigOrDie(cmd)
		if cmd.Flags().Changed("addr") {
			cfg.Server.Addr = addr
		}
		if cmd.Flags().Changed("db") {
			cfg.Storage.DBPath = dbPath
		}
		if cmd.Flags().Changed("static") {
			cfg.Server.StaticDir = staticDir
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := runServe(ctx, cfg); err != nil {
			logrus.Fatalf("serve: %v", err)
		}
	},
}

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Run the simulation headless and write a video, CSV and chart of it",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfigOrDie(cmd)
		flags := cmd.Flags()
		if flags.Changed("r0") {
			cfg.Simulation.R0 = r0
		}
		if flags.Changed("population") {
			cfg.Simulation.Population = population
		}
		if flags.Changed("vaccination") {
			cfg.Simulation.VaccinationFraction = vaccination
		}
		if flags.Changed("initial-infected") {
			cfg.Simulation.InitialInfected = initInfected
		}
		if err := cfg.Validate(); err != nil {
			logrus.Fatalf("Invalid simulation parameters: %v", err)
		}

		ctrl, err := newController(cfg)
		if err != nil {
			logrus.Fatalf("record: %v", err)
		}
		summary, err := Record(ctrl, RecordOptions{
			Ticks:     recordTicks,
			VideoPath: videoPath,
			CSVPath:   csvPath,
			ChartPath: chartPath,
			FPS:       fps,
			FrameSize: frameSize,
		})
		if err != nil {
			logrus.Fatalf("record: %v", err)
		}
		logrus.WithFields(logrus.Fields{
			"ticks":         summary.Ticks,
			"seed":          summary.Seed,
			"peak_infected": summary.PeakInfected,
			"infected":      summary.Final.Infected,
			"recovered":     summary.Final.Recovered,
			"vaccinated":    summary.Final.Vaccinated,
		}).Info("recording finished")
	},
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password <password>",
	Short: "Print the bcrypt hash for auth.operator_password_hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := HashPassword(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

// loadConfigOrDie reads the config file and applies the flags shared by all
// simulation commands.
func loadConfigOrDie(cmd *cobra.Command) Config {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		logrus.Fatalf("Config: %v", err)
	}
	if cmd.Flags().Changed("log") {
		cfg.Log.Level = logLevel
	}
	if cmd.Flags().Changed("seed") {
		cfg.Simulation.Seed = seed
	}
	if err := setLogLevel(cfg.Log.Level); err != nil {
		logrus.Fatalf("%v", err)
	}
	return cfg
}

// newController builds and initializes a Controller from cfg.
func newController(cfg Config) (*sim.Controller, error) {
	s := cfg.Settings()
	ctrl, err := sim.NewController(cfg.WorldParams(), s, cfg.Seed())
	if err != nil {
		return nil, err
	}
	if err := ctrl.Initialize(s.Population, s.VaccinationFraction, s.InitialInfected); err != nil {
		return nil, err
	}
	return ctrl, nil
}

// runServe wires the server together and blocks until ctx is cancelled or
// the listener fails.
func runServe(ctx context.Context, cfg Config) error {
	var db *DB
	if cfg.Storage.DBPath != "" {
		var err error
		db, err = OpenDB(cfg.Storage.DBPath)
		if err != nil {
			return fmt.Errorf("open database %s: %w", cfg.Storage.DBPath, err)
		}
		defer db.Close()
	}

	ctrl, err := newController(cfg)
	if err != nil {
		return err
	}
	if db != nil {
		archive := NewArchive(db)
		ctrl.OnRunEnd(archive.Record)
		defer func() {
			// the run still going at shutdown is archived too
			if s, ok := ctrl.Summary(); ok && s.Ticks > 0 {
				archive.Record(s)
			}
			archive.Stop()
			written, dropped := archive.Stats()
			logrus.WithFields(logrus.Fields{"written": written, "dropped": dropped}).Info("run archive closed")
		}()
	}

	runner, err := NewRunner(ctrl, cfg.TickInterval())
	if err != nil {
		return err
	}
	auth := NewAuth(cfg.Auth, db)
	if !auth.Enabled() {
		logrus.Warn("no operator password configured: control messages are not authenticated")
	}

	hub := NewHub(runner, db, auth)
	hub.SetConnLimits(cfg.Server.MaxConnsPerIP, cfg.Server.MaxConns)
	go hub.Run()

	mux := SetupRoutes(hub, cfg.Server.StaticDir, cfg.Server.PublicURL)
	server := &http.Server{Addr: cfg.Server.Addr, Handler: mux}

	go runner.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		logrus.WithFields(logrus.Fields{
			"addr":        cfg.Server.Addr,
			"interval":    cfg.TickInterval(),
			"population":  cfg.Simulation.Population,
			"vaccination": cfg.Simulation.VaccinationFraction,
			"r0":          cfg.Simulation.R0,
		}).Info("server starting")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	logrus.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("shutdown")
	}
	return nil
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.yaml (default: built-in defaults)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().Int64Var(&seed, "seed", 0, "Simulation seed (0 = from the clock)")

	serveCmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")
	serveCmd.Flags().StringVar(&dbPath, "db", "", "SQLite run archive path (empty = no archive)")
	serveCmd.Flags().StringVar(&staticDir, "static", "", "Dashboard static files directory")

	recordCmd.Flags().IntVar(&recordTicks, "ticks", 600, "Number of ticks to record")
	recordCmd.Flags().StringVar(&videoPath, "out", "r0sim.avi", "MJPEG video output path (empty = no video)")
	recordCmd.Flags().StringVar(&csvPath, "csv", "", "History CSV output path")
	recordCmd.Flags().StringVar(&chartPath, "chart", "", "History chart PNG output path")
	recordCmd.Flags().IntVar(&fps, "fps", 10, "Video frame rate")
	recordCmd.Flags().IntVar(&frameSize, "size", defaultFrameSize, "Video frame width and height in pixels")
	recordCmd.Flags().Float64Var(&r0, "r0", sim.DefaultR0, "Basic reproduction number")
	recordCmd.Flags().IntVar(&population, "population", sim.DefaultPopulation, "Number of agents")
	recordCmd.Flags().Float64Var(&vaccination, "vaccination", 0, "Vaccinated fraction in [0,1]")
	recordCmd.Flags().IntVar(&initInfected, "initial-infected", sim.DefaultInitialInfected, "Agents infected at tick 0")

	rootCmd.AddCommand(serveCmd, recordCmd, hashPasswordCmd)
}

func main() {
	Execute()
}
