package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names accepted by the "backend" option.
const (
	BackendNative = "native" // gocv Haar cascade + dlib via go-face
	BackendWorker = "worker" // python face_recognition subprocess
)

// AutoDevice probes camera indices in order and binds the first that opens.
const AutoDevice = "auto"

// Config is built once at startup and passed, read-only, into every component.
type Config struct {
	EnrollmentDir          string        `yaml:"enrollment_dir"`
	MatchTolerance         float64       `yaml:"match_tolerance"` // lower = stricter
	PollInterval           time.Duration `yaml:"poll_interval"`
	LockCooldown           time.Duration `yaml:"lock_cooldown"`
	AbsenceTimeout         time.Duration `yaml:"absence_timeout"`
	FrameWidth             int           `yaml:"frame_width"`
	FrameHeight            int           `yaml:"frame_height"`
	DetectorUpsample       int           `yaml:"detector_upsample"`
	EnableFallbackDetector bool          `yaml:"enable_fallback_detector"`
	IdentityCheckInterval  int           `yaml:"identity_check_interval"`
	EnableSecondaryFactor  bool          `yaml:"enable_secondary_factor"`
	CompanionDevice        string        `yaml:"companion_device"`
	CameraDevice           string        `yaml:"camera_device"` // index or "auto"

	LogFile          string        `yaml:"log_file"`
	Debug            bool          `yaml:"debug"`
	LockTimeout      time.Duration `yaml:"lock_timeout"`
	CompanionTimeout time.Duration `yaml:"companion_timeout"`
	LockCommands     [][]string    `yaml:"lock_commands"`
	Backend          string        `yaml:"backend"`
	ModelsDir        string        `yaml:"models_dir"`
	CascadeFile      string        `yaml:"cascade_file"`
	WorkerScript     string        `yaml:"worker_script"`
	DatabaseURL      string        `yaml:"database_url"`
	MetricsAddr      string        `yaml:"metrics_addr"`
}

// DefaultLockCommands is the session-lock cascade, tried in order.
var DefaultLockCommands = [][]string{
	{"loginctl", "lock-sessions"},
	{"gnome-screensaver-command", "--lock"},
	{"xdg-screensaver", "lock"},
	{"dm-tool", "lock"},
}

// Default returns the built-in configuration.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		EnrollmentDir:          filepath.Join(home, ".face_enroll"),
		MatchTolerance:         0.45,
		PollInterval:           350 * time.Millisecond,
		LockCooldown:           4 * time.Second,
		AbsenceTimeout:         6 * time.Second,
		FrameWidth:             640,
		FrameHeight:            480,
		DetectorUpsample:       1,
		EnableFallbackDetector: true,
		IdentityCheckInterval:  1,
		EnableSecondaryFactor:  false,
		CompanionDevice:        "",
		CameraDevice:           AutoDevice,

		LogFile:          filepath.Join(home, "presence_guard.log"),
		LockTimeout:      5 * time.Second,
		CompanionTimeout: 6 * time.Second,
		LockCommands:     cloneCommands(DefaultLockCommands),
		Backend:          BackendNative,
		ModelsDir:        "/usr/share/presence-guard/models",
		CascadeFile:      "/usr/share/opencv4/haarcascades/haarcascade_frontalface_default.xml",
		WorkerScript:     "python/worker.py",
	}
}

// LoadFile overlays a YAML file onto cfg. Keys absent from the file keep their current value.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.EnrollmentDir = expandHome(cfg.EnrollmentDir)
	cfg.LogFile = expandHome(cfg.LogFile)
	return nil
}

// ApplyEnv overlays PRESENCE_GUARD_* environment variables onto cfg.
// Unparseable values are reported rather than silently ignored.
func ApplyEnv(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("PRESENCE_GUARD_ENROLLMENT_DIR", &cfg.EnrollmentDir)
	if v := os.Getenv("PRESENCE_GUARD_MATCH_TOLERANCE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("PRESENCE_GUARD_MATCH_TOLERANCE: %w", err))
		} else {
			cfg.MatchTolerance = f
		}
	}
	dur("PRESENCE_GUARD_POLL_INTERVAL", &cfg.PollInterval)
	dur("PRESENCE_GUARD_LOCK_COOLDOWN", &cfg.LockCooldown)
	dur("PRESENCE_GUARD_ABSENCE_TIMEOUT", &cfg.AbsenceTimeout)
	num("PRESENCE_GUARD_FRAME_WIDTH", &cfg.FrameWidth)
	num("PRESENCE_GUARD_FRAME_HEIGHT", &cfg.FrameHeight)
	num("PRESENCE_GUARD_DETECTOR_UPSAMPLE", &cfg.DetectorUpsample)
	flag("PRESENCE_GUARD_ENABLE_FALLBACK_DETECTOR", &cfg.EnableFallbackDetector)
	num("PRESENCE_GUARD_IDENTITY_CHECK_INTERVAL", &cfg.IdentityCheckInterval)
	flag("PRESENCE_GUARD_ENABLE_SECONDARY_FACTOR", &cfg.EnableSecondaryFactor)
	str("PRESENCE_GUARD_COMPANION_DEVICE", &cfg.CompanionDevice)
	str("PRESENCE_GUARD_CAMERA_DEVICE", &cfg.CameraDevice)
	str("PRESENCE_GUARD_LOG_FILE", &cfg.LogFile)
	flag("PRESENCE_GUARD_DEBUG", &cfg.Debug)
	dur("PRESENCE_GUARD_LOCK_TIMEOUT", &cfg.LockTimeout)
	dur("PRESENCE_GUARD_COMPANION_TIMEOUT", &cfg.CompanionTimeout)
	str("PRESENCE_GUARD_BACKEND", &cfg.Backend)
	str("PRESENCE_GUARD_MODELS_DIR", &cfg.ModelsDir)
	str("PRESENCE_GUARD_CASCADE_FILE", &cfg.CascadeFile)
	str("PRESENCE_GUARD_WORKER_SCRIPT", &cfg.WorkerScript)
	str("DATABASE_URL", &cfg.DatabaseURL)
	str("PRESENCE_GUARD_METRICS_ADDR", &cfg.MetricsAddr)

	return errors.Join(errs...)
}

// Validate rejects configurations the guard cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.EnrollmentDir == "" {
		errs = append(errs, errors.New("enrollment_dir is required"))
	}
	if c.MatchTolerance <= 0 {
		errs = append(errs, fmt.Errorf("match_tolerance must be > 0, got %f", c.MatchTolerance))
	}
	for name, d := range map[string]time.Duration{
		"poll_interval":     c.PollInterval,
		"lock_cooldown":     c.LockCooldown,
		"absence_timeout":   c.AbsenceTimeout,
		"lock_timeout":      c.LockTimeout,
		"companion_timeout": c.CompanionTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0, got %s", name, d))
		}
	}
	if c.FrameWidth <= 0 || c.FrameHeight <= 0 {
		errs = append(errs, fmt.Errorf("frame size must be positive, got %dx%d", c.FrameWidth, c.FrameHeight))
	}
	if c.DetectorUpsample < 0 || c.DetectorUpsample > 3 {
		errs = append(errs, fmt.Errorf("detector_upsample must be within 0..3, got %d", c.DetectorUpsample))
	}
	if c.IdentityCheckInterval < 1 {
		errs = append(errs, fmt.Errorf("identity_check_interval must be >= 1, got %d", c.IdentityCheckInterval))
	}
	if c.EnableSecondaryFactor && strings.TrimSpace(c.CompanionDevice) == "" {
		errs = append(errs, errors.New("companion_device is required when enable_secondary_factor is set"))
	}
	if _, _, err := ParseDeviceSelector(c.CameraDevice); err != nil {
		errs = append(errs, err)
	}
	if len(c.LockCommands) == 0 {
		errs = append(errs, errors.New("lock_commands must contain at least one command"))
	}
	for i, argv := range c.LockCommands {
		if len(argv) == 0 || argv[0] == "" {
			errs = append(errs, fmt.Errorf("lock_commands[%d] is empty", i))
		}
	}
	switch c.Backend {
	case BackendNative, BackendWorker:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q (use %s or %s)", c.Backend, BackendNative, BackendWorker))
	}
	return errors.Join(errs...)
}

// ParseDeviceSelector returns the explicit camera index, or auto=true for "auto".
func ParseDeviceSelector(s string) (index int, auto bool, err error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == AutoDevice {
		return 0, true, nil
	}
	n, err := strconv.Atoi(strings.TrimPrefix(s, "/dev/video"))
	if err != nil || n < 0 {
		return 0, false, fmt.Errorf("camera_device must be %q or a non-negative index, got %q", AutoDevice, s)
	}
	return n, false, nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

func cloneCommands(src [][]string) [][]string {
	out := make([][]string, len(src))
	for i, argv := range src {
		out[i] = append([]string(nil), argv...)
	}
	return out
}
