package rasset

import (
	"encoding"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"reflect"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ShoshinNikita/rasset/pkg/rlog"
)

// envPrefix is used to read flag values from env. For example, "--max-retries" can be
// passed as "RASSET_MAX_RETRIES".
const envPrefix = "RASSET"

type Config struct {
	BuildInfo BuildInfo

	ServerPort int
	CacheDir   string

	Loader LoaderConfig

	CleanupInterval time.Duration
	CleanupMaxAge   time.Duration
	// CacheMaxTotalSize limits the size of the cache dir, 0 means no limit.
	CacheMaxTotalSize MiB

	LogLevel rlog.Level
}

type BuildInfo struct {
	ShortGitHash string
	CommitTime   string
}

// LoaderConfig is immutable after the loader is created.
type LoaderConfig struct {
	// FetchTimeout is the timeout of the first attempt. Every next attempt gets
	// FetchTimeoutStep more.
	FetchTimeout     time.Duration
	FetchTimeoutStep time.Duration
	MaxRetries       int
	// BackoffUnit is multiplied by 2^attempt to get the pause between attempts.
	BackoffUnit time.Duration

	MaxWorkers  int
	MaxBlobSize MiB

	CacheMaxAge time.Duration
	// BatchTimeout limits the whole batch, 0 means no limit.
	BatchTimeout time.Duration
	// NegativeCacheTTL defines how long permanent failures (404, oversized) are remembered.
	// 0 disables the negative cache.
	NegativeCacheTTL time.Duration

	UserAgent string

	Proxy ProxyConfig
}

type ProxyConfig struct {
	Enabled bool
	BaseURL string
	Width   int
	Quality int
	Format  string
}

func DefaultLoaderConfig() LoaderConfig {
	return LoaderConfig{
		FetchTimeout:     20 * time.Second,
		FetchTimeoutStep: 5 * time.Second,
		MaxRetries:       3,
		BackoffUnit:      time.Second,
		MaxWorkers:       5,
		MaxBlobSize:      10,
		CacheMaxAge:      24 * time.Hour,
		UserAgent:        "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
		Proxy: ProxyConfig{
			Enabled: true,
			BaseURL: "https://images.weserv.nl/",
			Width:   800,
			Quality: 80,
			Format:  "webp",
		},
	}
}

func (cfg LoaderConfig) Validate() error {
	if cfg.FetchTimeout <= 0 {
		return errors.New("fetch timeout must be > 0")
	}
	if cfg.FetchTimeoutStep < 0 {
		return errors.New("fetch timeout step must be >= 0")
	}
	if cfg.MaxRetries < 1 {
		return errors.New("max retries must be >= 1")
	}
	if cfg.BackoffUnit < 0 {
		return errors.New("backoff unit must be >= 0")
	}
	if cfg.MaxWorkers < 1 {
		return errors.New("max workers must be >= 1")
	}
	if cfg.MaxBlobSize <= 0 {
		return errors.New("max blob size must be > 0")
	}
	if cfg.CacheMaxAge <= 0 {
		return errors.New("cache max age must be > 0")
	}
	if cfg.BatchTimeout < 0 || cfg.NegativeCacheTTL < 0 {
		return errors.New("batch timeout and negative cache ttl must be >= 0")
	}
	if cfg.Proxy.Enabled {
		if !IsHTTPURL(cfg.Proxy.BaseURL) {
			return fmt.Errorf("invalid proxy url %q", cfg.Proxy.BaseURL)
		}
		if cfg.Proxy.Width <= 0 {
			return errors.New("proxy width must be > 0")
		}
		if cfg.Proxy.Quality < 1 || cfg.Proxy.Quality > 100 {
			return errors.New("proxy quality must be in range [1, 100]")
		}
	}
	return nil
}

// MiB is a size in mebibytes. It is passed as "<n>Mi" or "<n>Gi".
type MiB int

func (mb MiB) Bytes() int64 {
	return int64(mb) << 20
}

func (mb MiB) String() string {
	text, _ := mb.MarshalText()
	return string(text)
}

func (mb MiB) MarshalText() (text []byte, err error) {
	if mb >= 1024 && mb%1024 == 0 {
		return []byte(strconv.Itoa(int(mb/1024)) + "Gi"), nil
	}
	return []byte(strconv.Itoa(int(mb)) + "Mi"), nil
}

func (mb *MiB) UnmarshalText(data []byte) error {
	text := string(data)

	mul := 1
	switch {
	case strings.HasSuffix(text, "Mi"):
	case strings.HasSuffix(text, "Gi"):
		mul = 1024
	default:
		return fmt.Errorf("valid suffixes: Mi, Gi")
	}
	n, err := strconv.Atoi(text[:len(text)-2])
	if err != nil {
		return fmt.Errorf("invalid size: %w", err)
	}

	*mb = MiB(n * mul)
	return nil
}

type flagParams struct {
	// p is a pointer to a value.
	p            any
	defaultValue any
	desc         string
}

func (cfg *Config) getFlagParams() map[string]flagParams {
	def := DefaultLoaderConfig()

	return map[string]flagParams{
		"port": {
			p: &cfg.ServerPort, defaultValue: 8080, desc: "Server port",
		},
		"cache-dir": {
			p: &cfg.CacheDir, defaultValue: "./var/image_cache", desc: "Directory for cached images",
		},
		//
		"fetch-timeout": {
			p: &cfg.Loader.FetchTimeout, defaultValue: def.FetchTimeout, desc: "Timeout of the first download attempt",
		},
		"fetch-timeout-step": {
			p: &cfg.Loader.FetchTimeoutStep, defaultValue: def.FetchTimeoutStep, desc: "" +
				"Extra timeout for every next attempt, so slow hosts get more time on retries",
		},
		"max-retries": {
			p: &cfg.Loader.MaxRetries, defaultValue: def.MaxRetries, desc: "Max number of download attempts",
		},
		"backoff-unit": {
			p: &cfg.Loader.BackoffUnit, defaultValue: def.BackoffUnit, desc: "" +
				"Pause before the attempt #n+1 is 2^n * backoff-unit",
		},
		"workers": {
			p: &cfg.Loader.MaxWorkers, defaultValue: def.MaxWorkers, desc: "Number of concurrent downloads",
		},
		"max-blob-size": {
			p: &cfg.Loader.MaxBlobSize, defaultValue: def.MaxBlobSize, desc: "Max size of a downloaded image",
		},
		"cache-max-age": {
			p: &cfg.Loader.CacheMaxAge, defaultValue: def.CacheMaxAge, desc: "" +
				"Cached images older than this are downloaded again",
		},
		"batch-timeout": {
			p: &cfg.Loader.BatchTimeout, defaultValue: def.BatchTimeout, desc: "" +
				"Max duration of a batch load, 0 means no limit",
		},
		"negative-cache-ttl": {
			p: &cfg.Loader.NegativeCacheTTL, defaultValue: def.NegativeCacheTTL, desc: "" +
				"How long to remember urls that can't be loaded (404, too large), 0 disables it",
		},
		"user-agent": {
			p: &cfg.Loader.UserAgent, defaultValue: def.UserAgent, desc: "User-Agent header for image requests",
		},
		//
		"proxy-enabled": {
			p: &cfg.Loader.Proxy.Enabled, defaultValue: def.Proxy.Enabled, desc: "" +
				"Download images through a resizing image proxy",
		},
		"proxy-url": {
			p: &cfg.Loader.Proxy.BaseURL, defaultValue: def.Proxy.BaseURL, desc: "Image proxy url",
		},
		"proxy-width": {
			p: &cfg.Loader.Proxy.Width, defaultValue: def.Proxy.Width, desc: "Width requested from the image proxy",
		},
		"proxy-quality": {
			p: &cfg.Loader.Proxy.Quality, defaultValue: def.Proxy.Quality, desc: "Quality requested from the image proxy",
		},
		//
		"cleanup-interval": {
			p: &cfg.CleanupInterval, defaultValue: time.Hour, desc: "How often old cache files are removed",
		},
		"cleanup-max-age": {
			p: &cfg.CleanupMaxAge, defaultValue: 72 * time.Hour, desc: "Cache files older than this are removed",
		},
		"cache-max-total-size": {
			p: &cfg.CacheMaxTotalSize, defaultValue: MiB(1024), desc: "" +
				"Max total size of cached images, the oldest ones are removed first. 0Mi means no limit",
		},
		//
		"log-level": {
			p: &cfg.LogLevel, defaultValue: rlog.LevelInfo, desc: "Set the minimal log level. One of: debug, info, warn, error",
		},
	}
}

func ParseConfig() (Config, error) {
	return parseConfig(flag.CommandLine, os.Args[1:])
}

func parseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{
		BuildInfo: readBuildInfo(),
		Loader: LoaderConfig{
			Proxy: ProxyConfig{
				Format: DefaultLoaderConfig().Proxy.Format,
			},
		},
	}

	var (
		printVersion bool
		configFile   string
	)
	fs.BoolVar(&printVersion, "version", false, "Print version and exit")
	fs.StringVar(&configFile, "config", "", "Path to a config file (yaml, json or toml) with flag values, optional")

	flags := cfg.getFlagParams()
	for name, params := range flags {
		switch p := params.p.(type) {
		case *bool:
			fs.BoolVar(p, name, params.defaultValue.(bool), params.desc)
		case *int:
			fs.IntVar(p, name, params.defaultValue.(int), params.desc)
		case *string:
			fs.StringVar(p, name, params.defaultValue.(string), params.desc)
		case *time.Duration:
			fs.DurationVar(p, name, params.defaultValue.(time.Duration), params.desc)
		case encoding.TextUnmarshaler:
			fs.TextVar(p, name, params.defaultValue.(encoding.TextMarshaler), params.desc)
		default:
			return Config{}, fmt.Errorf("flag %q has unsupported type: %T", name, p)
		}
	}

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if printVersion {
		cfg.BuildInfo.Print()
		os.Exit(0)
	}

	if err := applyEnvAndConfigFile(fs, flags, configFile); err != nil {
		return Config{}, err
	}

	if cfg.ServerPort == 0 {
		return cfg, errors.New("server port must be > 0")
	}
	if cfg.CacheDir == "" {
		return cfg, errors.New("cache dir can't be empty")
	}
	if cfg.CleanupInterval <= 0 {
		return cfg, errors.New("cleanup interval must be > 0")
	}
	if cfg.CacheMaxTotalSize < 0 {
		return cfg, errors.New("cache max total size must be >= 0")
	}
	if err := cfg.Loader.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid loader config: %w", err)
	}

	return cfg, nil
}

// applyEnvAndConfigFile sets flags that were not passed explicitly from env or from the config file.
func applyEnvAndConfigFile(fs *flag.FlagSet, flags map[string]flagParams, configFile string) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("couldn't read config file %q: %w", configFile, err)
		}
	}

	passed := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		passed[f.Name] = true
	})

	for name := range flags {
		if passed[name] || !v.IsSet(name) {
			continue
		}
		if err := fs.Set(name, v.GetString(name)); err != nil {
			return fmt.Errorf("invalid value for %q: %w", name, err)
		}
	}
	return nil
}

func readBuildInfo() BuildInfo {
	res := BuildInfo{
		ShortGitHash: "unknown",
		CommitTime:   "unknown",
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return res
	}

	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			res.ShortGitHash = s.Value
			if len(res.ShortGitHash) > 7 {
				res.ShortGitHash = res.ShortGitHash[:7]
			}

		case "vcs.time":
			t, err := time.Parse(time.RFC3339, s.Value)
			if err == nil {
				res.CommitTime = t.UTC().Format("2006-01-02 15:04:05 UTC")
			}
		}
	}
	return res
}

func (info BuildInfo) Print() {
	fmt.Fprintf(os.Stderr, `
    rasset - remote image loader

    Commit Hash: %q
    Commit Time: %q

`,
		info.ShortGitHash,
		info.CommitTime,
	)
}

func (cfg Config) Print() {
	cfg.print(os.Stderr)
}

func (cfg Config) print(w io.Writer) {
	flags := cfg.getFlagParams()

	var (
		names         = make([]string, 0, len(flags))
		maxNameLength int
	)
	for name := range flags {
		if len(name) > maxNameLength {
			maxNameLength = len(name)
		}
		names = append(names, name)
	}
	slices.Sort(names)

	fmt.Fprint(w, "    Config:\n\n")
	for _, name := range names {
		fmt.Fprintf(w, "        --%-*s = %v\n", maxNameLength, name, reflect.ValueOf(flags[name].p).Elem())
	}
	fmt.Fprint(w, "\n")
}
