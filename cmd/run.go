package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/andresmejia3/presence-guard/internal/camera"
	"github.com/andresmejia3/presence-guard/internal/companion"
	"github.com/andresmejia3/presence-guard/internal/config"
	"github.com/andresmejia3/presence-guard/internal/facecheck"
	"github.com/andresmejia3/presence-guard/internal/guard"
	"github.com/andresmejia3/presence-guard/internal/lock"
	"github.com/andresmejia3/presence-guard/internal/metrics"
	"github.com/andresmejia3/presence-guard/internal/types"
	"github.com/andresmejia3/presence-guard/internal/utils"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch the webcam and lock the session when the enrolled user is not alone",
	RunE: func(cmd *cobra.Command, args []string) error {
		var journal guard.Journal
		if DB != nil {
			journal = DB
		}
		return runGuard(cmd.Context(), cfg, logger, journal)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// runGuard performs startup (enrollment before the camera) and then blocks in
// the guard loop until ctx is cancelled or the loop faults.
func runGuard(ctx context.Context, c config.Config, log *slog.Logger, journal guard.Journal) error {
	runID := uuid.NewString()
	log = log.With("run", runID[:8])

	be, err := openBackend(ctx, c, log.With("component", "backend"))
	if err != nil {
		return startupError("failed to start face backend", err)
	}
	defer be.close()

	locator := be.locator(log.With("component", "locator"))
	enrolled, err := loadEnrollment(ctx, c, be, locator, log)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("presence guard stopped by user")
			return nil
		}
		return &exitError{code: utils.ExitStartup, msg: "enrollment failed", err: err, cmd: be.helper}
	}

	index, auto, _ := config.ParseDeviceSelector(c.CameraDevice)
	src, err := camera.Open(index, auto, openCamera, camera.DefaultOptions(c.FrameWidth, c.FrameHeight), log.With("component", "camera"))
	if err != nil {
		return startupError("cannot open webcam (/dev/video0..3)", err)
	}
	defer src.Close()

	deps := guard.Deps{
		Source:  src,
		Locator: locator,
		Matcher: facecheck.NewMatcher(be.embedder, enrolled),
		Locker:  lock.NewActuator(lock.Commands(c.LockCommands, c.LockTimeout), log.With("component", "lock")),
		Journal: journal,
		Logger:  log.With("component", "guard"),
	}
	if c.EnableSecondaryFactor {
		deps.Companion = companion.NewBluetoothGate(c.CompanionDevice, c.CompanionTimeout, log.With("component", "companion"))
	}
	if c.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		deps.Observer = metrics.NewRecorder(reg)
		metrics.Serve(ctx, c.MetricsAddr, reg, log.With("component", "metrics"))
	}

	g := guard.New(guard.Config{
		Policy: guard.Policy{
			MatchTolerance:        c.MatchTolerance,
			AbsenceTimeout:        c.AbsenceTimeout,
			IdentityCheckInterval: c.IdentityCheckInterval,
		},
		PollInterval: c.PollInterval,
		LockCooldown: c.LockCooldown,
		RunID:        runID,
	}, deps)

	if err := g.Run(ctx); err != nil {
		return &exitError{code: utils.ExitFault, msg: "presence guard crashed", err: err, cmd: be.helper}
	}
	return nil
}

func loadEnrollment(ctx context.Context, c config.Config, be *faceBackend, locator facecheck.Locator, log *slog.Logger) ([]types.Embedding, error) {
	loader := facecheck.NewLoader(locator, be.embedder, log.With("component", "enroll"), os.Stderr)
	return loader.Load(ctx, c.EnrollmentDir)
}
