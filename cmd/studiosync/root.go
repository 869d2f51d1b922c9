package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hyperengineering/studiosync"
	"github.com/hyperengineering/studiosync/internal/netwatch"
	"github.com/hyperengineering/studiosync/internal/remote"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// entitiesEnvVar declares entity types as "bookings:client,room;users:name".
const entitiesEnvVar = "STUDIOSYNC_ENTITIES"

var (
	cfgDBPath    string
	cfgProfile   string
	cfgRemoteURL string
	cfgAPIKey    string
	cfgOffline   bool
	cfgDebug     bool
	cfgEntities  []string
	outputJSON   bool
)

var rootCmd = &cobra.Command{
	Use:   "studiosync",
	Short: "studiosync - offline-first record sync",
	Long: `studiosync keeps a local record cache consistent with a remote store.

Writes land locally first and are pushed when the remote store answers.
Reads merge both sides; the remote store wins on conflicts.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgDBPath, "db-path", "", "Path to the local cache (default: ~/.studiosync/profiles/<profile>/cache.db)")
	pf.StringVar(&cfgProfile, "profile", "", "Cache profile (default: $STUDIOSYNC_PROFILE or \"default\")")
	pf.StringVar(&cfgRemoteURL, "remote-url", "", "Base URL of the remote store")
	pf.StringVar(&cfgAPIKey, "api-key", "", "API key for the remote store")
	pf.BoolVar(&cfgOffline, "offline", false, "Never contact the remote store")
	pf.BoolVar(&cfgDebug, "debug", false, "Log remote requests and state changes to stderr")
	pf.StringArrayVar(&cfgEntities, "entity", nil, "Entity type as name[:core,fields] (repeatable)")
	pf.BoolVar(&outputJSON, "json", false, "Output as JSON")
}

// loadConfig layers flags over environment variables.
func loadConfig() studiosync.Config {
	cfg := studiosync.ConfigFromEnv()

	if cfgDBPath != "" {
		cfg.LocalPath = cfgDBPath
	}
	if cfgProfile != "" {
		cfg.Profile = cfgProfile
	}
	if cfgRemoteURL != "" {
		cfg.RemoteURL = cfgRemoteURL
	}
	if cfgAPIKey != "" {
		cfg.APIKey = cfgAPIKey
	}
	if cfgOffline {
		cfg.OfflineMode = true
	}
	if cfgDebug {
		cfg.Debug = true
	}
	if cfg.LogLevel == "" && !cfg.Debug {
		cfg.LogLevel = "warn"
	}

	return cfg.WithDefaults()
}

// entityTypes returns the declared entity types, flags first, then the env var.
func entityTypes() ([]studiosync.EntityType, error) {
	specs := append([]string(nil), cfgEntities...)
	if v := os.Getenv(entitiesEnvVar); v != "" {
		specs = append(specs, strings.Split(v, ";")...)
	}

	seen := make(map[string]bool)
	var out []studiosync.EntityType
	for _, spec := range specs {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		t, err := parseEntity(spec)
		if err != nil {
			return nil, err
		}
		if seen[t.Name] {
			continue
		}
		seen[t.Name] = true
		out = append(out, t)
	}
	return out, nil
}

// parseEntity parses "bookings:client,room" into an EntityType.
func parseEntity(spec string) (studiosync.EntityType, error) {
	name, fields, _ := strings.Cut(strings.TrimSpace(spec), ":")
	name = strings.TrimSpace(name)
	if name == "" {
		return studiosync.EntityType{}, fmt.Errorf("invalid entity %q: missing name", spec)
	}

	t := studiosync.EntityType{Name: name}
	for _, f := range strings.Split(fields, ",") {
		if f = strings.TrimSpace(f); f != "" {
			t.CoreFields = append(t.CoreFields, f)
		}
	}
	return t, nil
}

// session is an open engine plus the logger closer owned by the command.
type session struct {
	engine   *studiosync.Engine
	logClose io.Closer
}

func (s *session) Close() error {
	err := s.engine.Close()
	_ = s.logClose.Close()
	return err
}

// openEngine builds the engine with every declared entity and the named
// extras registered. The remote transports are wired only when a remote
// URL is configured. The engine is started, so the first probe has run.
func openEngine(ctx context.Context, extra ...string) (*session, error) {
	cfg := loadConfig()

	log, logClose, err := cfg.Logger().Make()
	if err != nil {
		return nil, err
	}

	opts := []studiosync.Option{studiosync.WithLogger(log)}
	if !cfg.IsOffline() {
		opts = append(opts,
			studiosync.WithRemote(remote.NewHTTPClient(cfg.RemoteURL, cfg.APIKey, cfg.ClientID).WithLogger(log)),
			studiosync.WithChangeSource(remote.NewRealtime(cfg.RemoteURL, cfg.APIKey, cfg.ClientID).WithLogger(log)),
			studiosync.WithNetworkSignal(netwatch.New(0)),
		)
	}

	engine, err := studiosync.New(cfg, opts...)
	if err != nil {
		_ = logClose.Close()
		return nil, err
	}
	s := &session{engine: engine, logClose: logClose}

	if err := registerEntities(engine, log, extra...); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := engine.Start(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func registerEntities(engine *studiosync.Engine, log zerolog.Logger, extra ...string) error {
	types, err := entityTypes()
	if err != nil {
		return err
	}
	declared := make(map[string]bool, len(types))
	for _, t := range types {
		declared[t.Name] = true
	}
	for _, name := range extra {
		if name != "" && !declared[name] {
			log.Debug().Str("entity", name).Msg("entity not declared, registering without core fields")
			types = append(types, studiosync.EntityType{Name: name})
			declared[name] = true
		}
	}

	for _, t := range types {
		if err := engine.Register(t); err != nil {
			return err
		}
	}
	return nil
}
