// Package config loads the anysyncd INI configuration: one [global] section
// for process-wide settings plus one section per syncer. Any per-syncer key
// may also appear in [global] as a default.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/openmined/anysyncd/internal/utils"
)

var (
	DefaultConfigPath = "/etc/anysyncd/anysyncd.ini"
	DefaultStateDir   = "/var/lib/anysyncd"
	DefaultFilter     = `\.(swp|tmp)$`
)

const (
	defaultWaitingTime   = 5 * time.Second
	defaultRetryInterval = 2 * time.Second
	defaultHelperCommand = "anysyncd-helper"
)

// HandlerKind is the closed set of syncer variants. The configuration maps
// the `handler` string onto this set at load time; adding a variant is a
// source change, not a runtime plugin.
type HandlerKind int

const (
	// HandlerFileCopy mirrors a local source directory into a local
	// destination directory.
	HandlerFileCopy HandlerKind = iota

	// HandlerCsync2Rotate mirrors into a staging tree, distributes it to the
	// peer group and atomically rotates the live tree on every peer.
	HandlerCsync2Rotate
)

func (k HandlerKind) String() string {
	switch k {
	case HandlerFileCopy:
		return "filecopy"
	case HandlerCsync2Rotate:
		return "csync2rotate"
	default:
		return "unknown"
	}
}

// ParseHandler maps a configured handler name onto a HandlerKind.
func ParseHandler(s string) (HandlerKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "filecopy":
		return HandlerFileCopy, nil
	case "csync2rotate":
		return HandlerCsync2Rotate, nil
	default:
		return 0, fmt.Errorf("unknown handler %q", s)
	}
}

// Global holds the [global]-only settings.
type Global struct {
	LogFile  string
	LogLevel string
	StateDir string
}

// SyncerConfig is one fully resolved syncer section.
type SyncerConfig struct {
	Name    string
	Handler HandlerKind

	WatchDir      string
	Filter        *regexp.Regexp
	WaitingTime   time.Duration
	RetryInterval time.Duration
	Cron          string
	NoopFile      string

	AdminFrom string
	AdminTo   string

	// filecopy variant
	From string
	To   string

	// csync2rotate variant
	ProdDir     string
	CsyncDir    string
	RemoteHosts []string
	CsyncGroup  string

	RemotePrefixCommand []string
	HelperCommand       string

	StateDir string
}

// Config is the parsed configuration file. Sections that failed validation
// are collected in Skipped; the daemon logs them and continues with the rest.
type Config struct {
	Path    string
	Global  Global
	Syncers []*SyncerConfig
	Skipped map[string]error
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", path, err)
	}

	global := file.Section("global")

	cfg := &Config{
		Path: path,
		Global: Global{
			LogFile:  global.Key("logfile").String(),
			LogLevel: global.Key("loglevel").String(),
			StateDir: global.Key("statedir").MustString(DefaultStateDir),
		},
		Skipped: make(map[string]error),
	}

	if cfg.Global.StateDir, err = resolvePath("statedir", cfg.Global.StateDir); err != nil {
		return nil, err
	}
	if cfg.Global.LogFile != "" {
		if cfg.Global.LogFile, err = resolvePath("logfile", cfg.Global.LogFile); err != nil {
			return nil, err
		}
	}

	for _, sec := range file.Sections() {
		name := sec.Name()
		if name == ini.DefaultSection || name == "global" {
			continue
		}
		sc, err := parseSyncer(name, sec, global, cfg.Global.StateDir)
		if err != nil {
			cfg.Skipped[name] = err
			continue
		}
		cfg.Syncers = append(cfg.Syncers, sc)
	}

	return cfg, nil
}

func parseSyncer(name string, sec, global *ini.Section, stateDir string) (*SyncerConfig, error) {
	handler, err := ParseHandler(lookup(sec, global, "handler"))
	if err != nil {
		return nil, err
	}

	watchDir := lookup(sec, global, "watcher")
	if watchDir == "" {
		return nil, fmt.Errorf("missing required key %q", "watcher")
	}

	filter, err := regexp.Compile(lookupDefault(sec, global, "filter", DefaultFilter))
	if err != nil {
		return nil, fmt.Errorf("invalid filter: %w", err)
	}

	waitingTime, err := lookupSeconds(sec, global, "waiting_time", defaultWaitingTime)
	if err != nil {
		return nil, err
	}
	retryInterval, err := lookupSeconds(sec, global, "retry_interval", defaultRetryInterval)
	if err != nil {
		return nil, err
	}

	sc := &SyncerConfig{
		Name:          name,
		Handler:       handler,
		WatchDir:      watchDir,
		Filter:        filter,
		WaitingTime:   waitingTime,
		RetryInterval: retryInterval,
		Cron:          lookup(sec, global, "cron"),
		NoopFile:      lookup(sec, global, "noop_file"),
		AdminFrom:     lookup(sec, global, "admin_from"),
		AdminTo:       lookup(sec, global, "admin_to"),
		From:          lookup(sec, global, "from"),
		To:            lookup(sec, global, "to"),
		ProdDir:       lookup(sec, global, "prod_dir"),
		CsyncDir:      lookup(sec, global, "csync_dir"),
		RemoteHosts:   strings.Fields(lookup(sec, global, "remote_hosts")),
		CsyncGroup:    lookupDefault(sec, global, "csync_group", name),
		HelperCommand: lookupDefault(sec, global, "helper_command", defaultHelperCommand),
		StateDir:      stateDir,
	}

	if prefix := lookup(sec, global, "remote_prefix_command"); prefix != "" {
		sc.RemotePrefixCommand = strings.Fields(prefix)
	}

	switch handler {
	case HandlerFileCopy:
		if sc.From == "" {
			return nil, fmt.Errorf("missing required key %q", "from")
		}
		if sc.To == "" {
			return nil, fmt.Errorf("missing required key %q", "to")
		}
	case HandlerCsync2Rotate:
		if sc.ProdDir == "" {
			return nil, fmt.Errorf("missing required key %q", "prod_dir")
		}
		if sc.CsyncDir == "" {
			return nil, fmt.Errorf("missing required key %q", "csync_dir")
		}
		if len(sc.RemoteHosts) == 0 {
			return nil, fmt.Errorf("missing required key %q", "remote_hosts")
		}
	}

	if err := sc.resolvePaths(); err != nil {
		return nil, err
	}

	return sc, nil
}

// resolvePaths normalizes every configured path: `~` expansion, relative
// paths made absolute, cleaned. Empty optional paths stay empty.
func (sc *SyncerConfig) resolvePaths() error {
	var err error
	if sc.WatchDir, err = resolvePath("watcher", sc.WatchDir); err != nil {
		return err
	}
	if sc.NoopFile != "" {
		if sc.NoopFile, err = resolvePath("noop_file", sc.NoopFile); err != nil {
			return err
		}
	}

	switch sc.Handler {
	case HandlerFileCopy:
		if sc.From, err = resolvePath("from", sc.From); err != nil {
			return err
		}
		if sc.To, err = resolvePath("to", sc.To); err != nil {
			return err
		}
	case HandlerCsync2Rotate:
		if sc.ProdDir, err = resolvePath("prod_dir", sc.ProdDir); err != nil {
			return err
		}
		if sc.CsyncDir, err = resolvePath("csync_dir", sc.CsyncDir); err != nil {
			return err
		}
	}

	return nil
}

func resolvePath(key, value string) (string, error) {
	resolved, err := utils.ResolvePath(value)
	if err != nil {
		return "", fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return resolved, nil
}

// lookup reads a key from the syncer section, falling back to [global].
func lookup(sec, global *ini.Section, key string) string {
	if sec.HasKey(key) {
		return sec.Key(key).String()
	}
	if global.HasKey(key) {
		return global.Key(key).String()
	}
	return ""
}

func lookupDefault(sec, global *ini.Section, key, fallback string) string {
	if v := lookup(sec, global, key); v != "" {
		return v
	}
	return fallback
}

func lookupSeconds(sec, global *ini.Section, key string, fallback time.Duration) (time.Duration, error) {
	raw := lookup(sec, global, key)
	if raw == "" {
		return fallback, nil
	}
	secs, err := time.ParseDuration(raw + "s")
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return secs, nil
}
