package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// InputMode says how the executor delivers input to the target.
type InputMode int

const (
	ModeStdin InputMode = iota
	ModeFileAt
)

// InputMarker is the placeholder in the target argument list that selects
// FileAt delivery.
const InputMarker = "@@"

const (
	DefaultShmPath = "/tmp/coverage_shm.bin"
	DefaultShmSize = 512 * 1024 * 1024
)

// MetricKind names one coverage metric.
type MetricKind string

const (
	MetricBlock MetricKind = "block"
	MetricEdge  MetricKind = "edge"
	MetricPath  MetricKind = "path"
)

// AppConfig is everything the core needs to run one campaign.
type AppConfig struct {
	InputDir  string
	OutputDir string

	// Tracked metrics are measured; Feedback metrics are the subset that
	// is allowed to reward a mutant with queue admission.
	Tracked  []MetricKind
	Feedback []MetricKind

	TargetCmd []string
	InputMode InputMode

	Timeout     time.Duration
	Grace       time.Duration
	StatsPeriod time.Duration

	ShmPath string
	ShmSize int

	LogLevel string
	RandSeed int64 // zero means seed from the clock
}

// fileSettings mirrors the ambient environment variables in an optional
// YAML settings file. Environment wins over YAML.
type fileSettings struct {
	LogLevel    string `yaml:"log_level"`
	Timeout     string `yaml:"timeout"`
	Grace       string `yaml:"grace"`
	StatsPeriod string `yaml:"stats_period"`
	ShmPath     string `yaml:"shm_path"`
	ShmSize     int    `yaml:"shm_size"`
	RandSeed    int64  `yaml:"rand_seed"`
}

type cliOptions struct {
	InputDir  string `short:"i" long:"input" required:"true" description:"input seeds directory"`
	OutputDir string `short:"o" long:"output" required:"true" description:"output directory for findings"`
	Tracked   string `short:"c" long:"coverage" default:"block" description:"tracked metrics, comma-separated subset of block,edge,path"`
	Feedback  string `short:"u" long:"use-coverage" description:"feedback metrics, subset of tracked (default: all tracked)"`

	Args struct {
		TargetCmd []string `positional-arg-name:"target" description:"target program and arguments, after --"`
	} `positional-args:"true"`
}

// LoadConfig builds the configuration from the process arguments, the
// environment (via godotenv) and an optional YAML settings file named by
// TRIFUZZ_CONFIG.
func LoadConfig() (*AppConfig, error) {
	return load(os.Args[1:])
}

func load(argv []string) (*AppConfig, error) {
	godotenv.Load()

	var opts cliOptions
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.ParseArgs(argv); err != nil {
		return nil, err
	}

	settings := fileSettings{}
	if path := os.Getenv("TRIFUZZ_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read settings file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &settings); err != nil {
			return nil, fmt.Errorf("failed to parse settings file: %w", err)
		}
	}

	tracked, err := parseMetrics(opts.Tracked)
	if err != nil {
		return nil, err
	}
	feedback := tracked
	if opts.Feedback != "" {
		if feedback, err = parseMetrics(opts.Feedback); err != nil {
			return nil, err
		}
	}

	cfg := &AppConfig{
		InputDir:    opts.InputDir,
		OutputDir:   opts.OutputDir,
		Tracked:     tracked,
		Feedback:    feedback,
		TargetCmd:   opts.Args.TargetCmd,
		Timeout:     pickDuration("TRIFUZZ_TIMEOUT", settings.Timeout, time.Second),
		Grace:       pickDuration("TRIFUZZ_GRACE", settings.Grace, 200*time.Millisecond),
		StatsPeriod: pickDuration("TRIFUZZ_STATS_PERIOD", settings.StatsPeriod, 30*time.Second),
		ShmPath:     pickString("TRIFUZZ_SHM_PATH", settings.ShmPath, DefaultShmPath),
		ShmSize:     pickInt("TRIFUZZ_SHM_SIZE", settings.ShmSize, DefaultShmSize),
		LogLevel:    pickString("TRIFUZZ_LOG_LEVEL", settings.LogLevel, "info"),
		RandSeed:    pickInt64("TRIFUZZ_RAND_SEED", settings.RandSeed, 0),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) validate() error {
	if len(c.TargetCmd) == 0 {
		return fmt.Errorf("no target command given after --")
	}

	markers := 0
	for _, arg := range c.TargetCmd {
		if arg == InputMarker {
			markers++
		}
	}
	switch markers {
	case 0:
		c.InputMode = ModeStdin
	case 1:
		c.InputMode = ModeFileAt
	default:
		return fmt.Errorf("multiple %s markers in target command, only one is supported", InputMarker)
	}

	if len(c.Tracked) == 0 {
		return fmt.Errorf("at least one tracked metric must be selected")
	}
	if len(c.Feedback) == 0 {
		return fmt.Errorf("at least one feedback metric must be selected")
	}
	trackedSet := make(map[MetricKind]struct{}, len(c.Tracked))
	for _, m := range c.Tracked {
		trackedSet[m] = struct{}{}
	}
	for _, m := range c.Feedback {
		if _, ok := trackedSet[m]; !ok {
			return fmt.Errorf("feedback metric %q is not tracked", m)
		}
	}

	info, err := os.Stat(c.InputDir)
	if err != nil {
		return fmt.Errorf("input seeds directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("input seeds path %s is not a directory", c.InputDir)
	}
	if err := os.MkdirAll(c.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	if c.ShmSize < 16 {
		return fmt.Errorf("coverage region size %d is too small", c.ShmSize)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("per-run timeout must be positive")
	}
	return nil
}

func parseMetrics(csv string) ([]MetricKind, error) {
	var out []MetricKind
	seen := make(map[MetricKind]struct{})
	start := 0
	for i := 0; i <= len(csv); i++ {
		if i != len(csv) && csv[i] != ',' {
			continue
		}
		name := csv[start:i]
		start = i + 1
		if name == "" {
			continue
		}
		kind := MetricKind(name)
		switch kind {
		case MetricBlock, MetricEdge, MetricPath:
		default:
			return nil, fmt.Errorf("unknown coverage metric %q", name)
		}
		if _, dup := seen[kind]; dup {
			continue
		}
		seen[kind] = struct{}{}
		out = append(out, kind)
	}
	return out, nil
}

func pickString(env, fromFile, defaultVal string) string {
	if v := os.Getenv(env); v != "" {
		return v
	}
	if fromFile != "" {
		return fromFile
	}
	return defaultVal
}

func pickDuration(env, fromFile string, defaultVal time.Duration) time.Duration {
	for _, v := range []string{os.Getenv(env), fromFile} {
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func pickInt(env string, fromFile, defaultVal int) int {
	if v := os.Getenv(env); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	if fromFile != 0 {
		return fromFile
	}
	return defaultVal
}

func pickInt64(env string, fromFile, defaultVal int64) int64 {
	if v := os.Getenv(env); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	if fromFile != 0 {
		return fromFile
	}
	return defaultVal
}
