package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/presence-guard/internal/config"
	"github.com/andresmejia3/presence-guard/internal/logging"
	"github.com/andresmejia3/presence-guard/internal/store"
	"github.com/andresmejia3/presence-guard/internal/utils"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const annotationRequiresDB = "requires-db"

var (
	// DB is the optional event journal shared by subcommands
	DB *store.Store
	// cfg is built once in PersistentPreRunE and treated as read-only afterwards
	cfg       config.Config
	logger    *slog.Logger
	logCloser io.Closer

	cfgFile string
)

// exitError carries the process exit code (and the helper process, if any)
// back to Execute so deferred cleanup runs before exiting.
type exitError struct {
	code int
	msg  string
	err  error
	cmd  *utils.SafeCommand
}

func (e *exitError) Error() string { return fmt.Sprintf("%s: %v", e.msg, e.err) }
func (e *exitError) Unwrap() error { return e.err }

func startupError(msg string, err error) error {
	return &exitError{code: utils.ExitStartup, msg: msg, err: err}
}

var rootCmd = &cobra.Command{
	Use:   "presence-guard",
	Short: "Locks the desktop session unless the enrolled user is alone at the screen",
	Long: `presence-guard watches the webcam and locks the session when nobody has been
seen for a while, when someone other than the enrolled user is in front of the
screen, when more than one face is visible, or when a paired companion device
is out of range. It never unlocks.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = loadConfig(cmd.Flags())
		if err != nil {
			return startupError("invalid configuration", err)
		}
		logger, logCloser = logging.Setup(os.Stdout, cfg.LogFile, cfg.Debug)

		needsDB := cmd.Annotations[annotationRequiresDB] == "true"
		if cfg.DatabaseURL == "" {
			cfg.DatabaseURL = postgresURLFromEnv()
		}
		if cfg.DatabaseURL == "" {
			if needsDB {
				return startupError("database required", errors.New("set --db, DATABASE_URL or POSTGRES_HOST"))
			}
			return nil
		}

		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.New(cmd.Context(), cfg.DatabaseURL)
		if err != nil {
			if needsDB {
				return startupError("failed to connect to database", err)
			}
			// The journal is optional for the guard itself.
			logger.Warn("event journal unavailable, continuing without it", "error", err)
			DB = nil
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		closeResources()
	},
}

func closeResources() {
	if DB != nil {
		// Use Background here because the main context might be cancelled already (due to Ctrl+C)
		// and we still need to send the "Close" command to the DB.
		DB.Close(context.Background())
		DB = nil
	}
	if logCloser != nil {
		logCloser.Close()
		logCloser = nil
	}
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}

	code, msg, sc := utils.ExitStartup, "presence-guard failed", (*utils.SafeCommand)(nil)
	var ee *exitError
	if errors.As(err, &ee) {
		code, msg, sc = ee.code, ee.msg, ee.cmd
		err = ee.err
	}
	l := logger
	closeResources()
	utils.Die(l, code, msg, err, sc)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML configuration file")
	addConfigFlags(rootCmd.PersistentFlags())
}

// addConfigFlags registers the flags that override configuration values.
func addConfigFlags(pf *pflag.FlagSet) {
	pf.String("db", "", "PostgreSQL connection string for the event journal (optional for run)")
	pf.Bool("debug", false, "Enable debug logging")
	pf.String("log-file", "", "Append log output to this file (default ~/presence_guard.log)")
	pf.String("enroll-dir", "", "Directory of enrollment photos (default ~/.face_enroll)")
	pf.Float64("tolerance", 0, "Face match tolerance, lower is stricter (default 0.45)")
	pf.String("camera", "", `Camera index, /dev/videoN or "auto" (default auto)`)
	pf.String("backend", "", `Face backend: "native" (OpenCV + dlib) or "worker" (python face_recognition)`)
	pf.String("companion", "", "Bluetooth address of the companion device; enables the secondary factor")
	pf.Int("identity-interval", 0, "Verify identity every N single-face frames (default 1)")
	pf.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9108)")
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}

// loadConfig layers defaults, the YAML file, the environment and explicitly
// set flags, in that order, then validates the result.
func loadConfig(fs *pflag.FlagSet) (config.Config, error) {
	c := config.Default()
	if cfgFile != "" {
		if err := config.LoadFile(cfgFile, &c); err != nil {
			return c, err
		}
	}
	if err := config.ApplyEnv(&c); err != nil {
		return c, err
	}
	if err := applyFlags(fs, &c); err != nil {
		return c, err
	}
	return c, c.Validate()
}

func applyFlags(fs *pflag.FlagSet, c *config.Config) error {
	var errs []error
	str := func(name string, dst *string) {
		if fs.Changed(name) {
			v, err := fs.GetString(name)
			errs = append(errs, err)
			*dst = v
		}
	}
	str("db", &c.DatabaseURL)
	str("log-file", &c.LogFile)
	str("enroll-dir", &c.EnrollmentDir)
	str("camera", &c.CameraDevice)
	str("backend", &c.Backend)
	str("metrics-addr", &c.MetricsAddr)

	if fs.Changed("debug") {
		v, err := fs.GetBool("debug")
		errs = append(errs, err)
		c.Debug = v
	}
	if fs.Changed("tolerance") {
		v, err := fs.GetFloat64("tolerance")
		errs = append(errs, err)
		c.MatchTolerance = v
	}
	if fs.Changed("identity-interval") {
		v, err := fs.GetInt("identity-interval")
		errs = append(errs, err)
		c.IdentityCheckInterval = v
	}
	if fs.Changed("companion") {
		v, err := fs.GetString("companion")
		errs = append(errs, err)
		c.CompanionDevice = v
		c.EnableSecondaryFactor = v != ""
	}
	return errors.Join(errs...)
}

// postgresURLFromEnv builds the connection string from POSTGRES_* variables, if present.
func postgresURLFromEnv() string {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	user := os.Getenv("POSTGRES_USER")
	pass := os.Getenv("POSTGRES_PASSWORD")
	name := os.Getenv("POSTGRES_DB")
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
}
