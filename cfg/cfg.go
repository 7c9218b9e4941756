package cfg

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

const DefaultShareDir = "share"

type Cfg struct {
	Host              string
	Port              int
	PasteHost         string
	PastePort         int
	PublicHost        string
	DefaultShare      string
	Shares            []string
	Purge             bool
	Environment       string
	Profiling         bool
	LogLevel          string
	DatabasePath      string
	RedisURL          string
	RedisTimeout      time.Duration
	LRUCacheSize      int
	RateLimit         RateLimitCfg
	TrustedProxies    []string
	ContextTimeout    time.Duration
	IngestReadTimeout time.Duration
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBQueryTimeout    time.Duration
}

type RateLimitCfg struct {
	RPM   int
	Burst int
}

// Addr is the listen address of the HTTP facade.
func (c *Cfg) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// PasteAddr is the listen address of the raw-socket ingestion listener.
func (c *Cfg) PasteAddr() string {
	return net.JoinHostPort(c.PasteHost, strconv.Itoa(c.PastePort))
}

// PasteURLBase is the prefix of retrieval URLs handed out by the ingestion
// listener.
func (c *Cfg) PasteURLBase() string {
	host := c.PublicHost
	if host == "" {
		host = c.Addr()
	}
	return "http://" + host
}

// LoadDotEnv loads a .env file into the process environment when present.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "stat env file")
	}
	return errors.Wrap(godotenv.Load(path), "load env file")
}

// Load builds the configuration from the environment, then lets command line
// flags override it.
func Load(args []string) (*Cfg, error) {
	c := &Cfg{}
	var err error
	c.Host = getEnv("HOST", "0.0.0.0")
	c.Port, err = getInt("PORT", 8080)
	if err != nil {
		return nil, err
	}
	c.PasteHost = getEnv("PASTE_HOST", "0.0.0.0")
	c.PastePort, err = getInt("PASTE_PORT", 9999)
	if err != nil {
		return nil, err
	}
	c.PublicHost = getEnv("PUBLIC_HOST", "")
	c.DefaultShare = getEnv("DEFAULT_SHARE", DefaultShareDir)
	c.Shares = getSlice("SHARES", nil)
	c.Purge = getEnv("PURGE", "false") == "true"
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.Profiling = getEnv("PROFILING", "false") == "true"
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.DatabasePath = getEnv("DATABASE_PATH", "database.sqlite")
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 2*time.Second)
	if err != nil {
		return nil, err
	}
	c.LRUCacheSize, err = getInt("LRU_CACHE_SIZE", 256)
	if err != nil {
		return nil, err
	}
	c.RateLimit.RPM, err = getInt("RATE_LIMIT_RPM", 120)
	if err != nil {
		return nil, err
	}
	c.RateLimit.Burst, err = getInt("RATE_LIMIT_BURST", 20)
	if err != nil {
		return nil, err
	}
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	c.IngestReadTimeout, err = getDuration("INGEST_READ_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 16)
	if err != nil {
		return nil, err
	}
	c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 4)
	if err != nil {
		return nil, err
	}
	c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	if err := c.parseFlags(args); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cfg) parseFlags(args []string) error {
	fs := pflag.NewFlagSet("sharebox", pflag.ContinueOnError)
	fs.StringArrayVarP(&c.Shares, "share", "s", c.Shares, "directory to share, repeatable; ./"+DefaultShareDir+" is always shared first")
	fs.BoolVar(&c.Purge, "purge", c.Purge, "delete the paste database on start")
	fs.StringVar(&c.Host, "host", c.Host, "host the web server listens on")
	fs.IntVarP(&c.Port, "port", "p", c.Port, "port the web server listens on")
	fs.StringVar(&c.PasteHost, "paste-host", c.PasteHost, "host the paste service listens on")
	fs.IntVar(&c.PastePort, "paste-port", c.PastePort, "port the paste service listens on")
	fs.StringVar(&c.PublicHost, "public-host", c.PublicHost, "host:port used in paste URLs (default: web server host:port)")
	fs.StringVar(&c.DatabasePath, "db", c.DatabasePath, "path of the paste database")
	fs.BoolVar(&c.Profiling, "profiling", c.Profiling, "serve pprof under /debug (exposes process details)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return nil
}

func Validate(c *Cfg) error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}
	if c.PastePort <= 0 || c.PastePort > 65535 {
		return errors.New("paste port must be between 1 and 65535")
	}
	if c.Host == c.PasteHost && c.Port == c.PastePort {
		return errors.New("web server and paste service cannot share an address")
	}
	if c.DatabasePath == "" {
		return errors.New("DATABASE_PATH is required")
	}
	if c.DefaultShare == "" {
		return errors.New("DEFAULT_SHARE is required")
	}
	for _, s := range c.Shares {
		if strings.TrimSpace(s) == "" {
			return errors.New("share path cannot be empty")
		}
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
	}
	if c.LRUCacheSize <= 0 {
		return errors.New("LRU_CACHE_SIZE must be positive")
	}
	if c.RateLimit.RPM <= 0 {
		return errors.New("RATE_LIMIT_RPM must be positive")
	}
	if c.RateLimit.Burst <= 0 {
		return errors.New("RATE_LIMIT_BURST must be positive")
	}
	if c.IngestReadTimeout < time.Second {
		return errors.New("INGEST_READ_TIMEOUT must be at least 1s")
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else if net.ParseIP(proxy) == nil {
			return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
		}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
