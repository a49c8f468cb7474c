package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"goa.design/clue/log"

	"github.com/g960059/agthub/internal/access"
	"github.com/g960059/agthub/internal/broadcast"
	"github.com/g960059/agthub/internal/config"
	"github.com/g960059/agthub/internal/daemon"
	"github.com/g960059/agthub/internal/db"
	"github.com/g960059/agthub/internal/presence"
	"github.com/g960059/agthub/internal/rpc"
	"github.com/g960059/agthub/internal/socket"
	"github.com/g960059/agthub/internal/syncengine"
)

type options struct {
	cfg   config.Config
	debug bool
}

func main() {
	opts, err := parseOptions(os.Args[1:], os.LookupEnv)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "agthubd: %v\n", err)
		os.Exit(2)
	}

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if opts.debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts.cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Error(ctx, err, log.KV{K: "msg", V: "hub stopped"})
		os.Exit(1)
	}
}

// parseOptions layers defaults, the optional YAML file, AGTHUB_*
// variables and finally command line flags.
func parseOptions(args []string, lookup func(string) (string, bool)) (options, error) {
	fs := pflag.NewFlagSet("agthubd", pflag.ContinueOnError)
	configPath := fs.String("config", "", "YAML config file")
	listen := fs.String("listen", "", "listen address (host:port)")
	dbPath := fs.String("db", "", "SQLite path")
	dataDir := fs.String("data-dir", "", "directory for the database and generated secrets")
	debug := fs.Bool("debug", false, "enable debug logs")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}

	cfg := config.DefaultConfig()
	if path := strings.TrimSpace(*configPath); path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return options{}, err
		}
		cfg = loaded
	}
	if err := config.ApplyEnv(&cfg, lookup); err != nil {
		return options{}, err
	}
	if v := strings.TrimSpace(*dataDir); v != "" {
		if cfg.DBPath == filepath.Join(cfg.DataDir, "hub.db") {
			cfg.DBPath = filepath.Join(v, "hub.db")
		}
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(*listen); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(*dbPath); v != "" {
		cfg.DBPath = v
	}
	return options{cfg: cfg, debug: *debug}, nil
}

// hub holds the wired components of one running process.
type hub struct {
	store  *db.Store
	engine *syncengine.Engine
	socket *socket.Server
	server *daemon.Server
	relay  *broadcast.RedisRelay
	redis  *redis.Client
}

func (h *hub) Close() {
	if h.redis != nil {
		_ = h.redis.Close()
	}
	_ = h.store.Close()
}

func buildHub(ctx context.Context, cfg config.Config) (*hub, error) {
	generated, err := config.EnsureSecrets(&cfg)
	if err != nil {
		return nil, err
	}
	if generated {
		log.Print(ctx, log.KV{K: "msg", V: "generated CLI API token"}, log.KV{K: "path", V: cfg.DataDir})
	} else if config.WeakToken(cfg.CLIAPIToken) {
		log.Print(ctx, log.KV{K: "msg", V: "CLI API token is short; use at least 16 characters"})
	}

	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		_ = store.Close()
		return nil, err
	}

	issuer, err := access.NewIssuer(cfg.JWTSecret, cfg.AccessTokenTTL)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	registry := rpc.NewRegistry()
	bus := broadcast.NewHub(cfg.SubscriberBuffer)
	engine := syncengine.New(syncengine.Options{
		Config:     cfg,
		Store:      store,
		Resolver:   access.NewResolver(store, cfg.CLIAPIToken, issuer),
		Presence:   presence.NewTracker(cfg.ActiveWindow, cfg.MachineOnlineWindow),
		Dispatcher: rpc.NewDispatcher(registry, cfg.RPCTimeout),
		Hub:        bus,
	})
	if err := engine.SeedPresence(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("seed presence: %w", err)
	}

	h := &hub{store: store, engine: engine}
	if url := strings.TrimSpace(cfg.RedisURL); url != "" {
		redisOpts, err := redis.ParseURL(url)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		h.redis = redis.NewClient(redisOpts)
		h.relay = broadcast.NewRedisRelay(h.redis, cfg.RedisChannel, bus)
		bus.SetRelay(h.relay)
	}
	h.socket = socket.NewServer(engine, registry)
	h.server = daemon.NewServer(ctx, engine, h.socket)
	return h, nil
}

func run(ctx context.Context, cfg config.Config) error {
	h, err := buildHub(ctx, cfg)
	if err != nil {
		return err
	}
	defer h.Close()

	if h.relay != nil {
		go func() {
			if err := h.relay.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error(ctx, err, log.KV{K: "msg", V: "redis relay stopped"})
			}
		}()
		log.Info(ctx, log.KV{K: "msg", V: "redis relay enabled"}, log.KV{K: "channel", V: cfg.RedisChannel}, log.KV{K: "origin", V: h.relay.Origin()})
	}
	return h.server.Start(ctx)
}
