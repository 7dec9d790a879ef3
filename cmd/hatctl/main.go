// Command hatctl drives the key store outside of tests: it wires a
// Keystore over one of several index/blob-store backend combinations
// selected by internal/config, then either serves the admin HTTP
// surface (internal/adminserver) plus the reservation reconciler
// (internal/reservation) for a long-running deployment, or walks a
// local filesystem path and replays it through Insert/ListDir/Flush
// using internal/chunker to content-define chunk boundaries.
//
// The key store has no transport of its own (spec §1), so this is the
// one place in the module that turns it into a runnable program. The
// teacher repo never shipped a main package to imitate for this; the
// subcommand/signal-handling shape instead follows the pack's node
// service entrypoint (cmd/node in the torua example).
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/prn-tf/hatstore/internal/adminserver"
	"github.com/prn-tf/hatstore/internal/blobstore"
	blobfs "github.com/prn-tf/hatstore/internal/blobstore/filesystem"
	blobmem "github.com/prn-tf/hatstore/internal/blobstore/memory"
	"github.com/prn-tf/hatstore/internal/chunker"
	"github.com/prn-tf/hatstore/internal/config"
	"github.com/prn-tf/hatstore/internal/domain"
	"github.com/prn-tf/hatstore/internal/hashindex"
	hashmem "github.com/prn-tf/hatstore/internal/hashindex/memory"
	hashredis "github.com/prn-tf/hatstore/internal/hashindex/redis"
	"github.com/prn-tf/hatstore/internal/keyindex"
	keymem "github.com/prn-tf/hatstore/internal/keyindex/memory"
	keypg "github.com/prn-tf/hatstore/internal/keyindex/postgres"
	keysqlite "github.com/prn-tf/hatstore/internal/keyindex/sqlite"
	"github.com/prn-tf/hatstore/internal/keystore"
	"github.com/prn-tf/hatstore/internal/metrics"
	"github.com/prn-tf/hatstore/internal/middleware"
	"github.com/prn-tf/hatstore/internal/reservation"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "insert":
		err = runInsert(os.Args[2:])
	case "ls":
		err = runLs(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "hatctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: hatctl <serve|insert|ls> [flags]")
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()
}

// backends bundles the three collaborators buildBackends wires up plus
// whatever needs closing on shutdown (pooled connections, clients).
type backends struct {
	keyIndex  keyindex.Index
	hashIndex hashindex.Index
	blobStore blobstore.Store
	closers   []func() error
}

func (b *backends) Close() {
	for _, c := range b.closers {
		if err := c(); err != nil {
			fmt.Fprintln(os.Stderr, "hatctl: close backend:", err)
		}
	}
}

func buildBackends(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backends, error) {
	b := &backends{}

	switch cfg.KeyIndex.Backend {
	case config.KeyIndexMemory:
		b.keyIndex = keymem.New(logger)
	case config.KeyIndexSQLite:
		idx, err := keysqlite.Open(cfg.KeyIndex.SQLite.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("open sqlite key index: %w", err)
		}
		b.keyIndex = idx
	case config.KeyIndexPostgres:
		pool, err := pgxpool.New(ctx, cfg.KeyIndex.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		b.keyIndex = keypg.New(pool, logger)
		b.closers = append(b.closers, func() error { pool.Close(); return nil })
	default:
		return nil, fmt.Errorf("unknown key index backend %q", cfg.KeyIndex.Backend)
	}

	switch cfg.HashIndex.Backend {
	case config.HashIndexMemory:
		b.hashIndex = hashmem.New(logger)
	case config.HashIndexRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.HashIndex.Redis.Addr,
			Password: cfg.HashIndex.Redis.Password,
			DB:       cfg.HashIndex.Redis.DB,
		})
		b.hashIndex = hashredis.New(client, logger)
		b.closers = append(b.closers, client.Close)
	default:
		return nil, fmt.Errorf("unknown hash index backend %q", cfg.HashIndex.Backend)
	}

	switch cfg.BlobStore.Backend {
	case config.BlobStoreMemory:
		b.blobStore = blobmem.New(logger)
	case config.BlobStoreFilesystem:
		fsCfg := blobfs.Config{
			DataDir: cfg.BlobStore.Filesystem.DataDir,
			TempDir: cfg.BlobStore.Filesystem.TempDir,
		}
		if cfg.BlobStore.Encryption.Enabled {
			key, err := hex.DecodeString(cfg.BlobStore.Encryption.KeyHex)
			if err != nil {
				return nil, fmt.Errorf("decode blobstore encryption key: %w", err)
			}
			fsCfg.EncryptionKey = key
		}
		store, err := blobfs.NewStore(fsCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("open filesystem blob store: %w", err)
		}
		b.blobStore = store
	default:
		return nil, fmt.Errorf("unknown blob store backend %q", cfg.BlobStore.Backend)
	}

	return b, nil
}

// buildAdminConfig translates config.Config's admin_server section into
// adminserver.Config, wiring health checks for whichever backends
// expose them.
func buildAdminConfig(cfg *config.Config, b *backends, logger zerolog.Logger) adminserver.Config {
	health := adminserver.HealthCheckerConfig{Logger: logger}

	if pinger, ok := b.keyIndex.(adminserver.Pinger); ok {
		health.DBChecker = pinger
	}
	if pinger, ok := b.hashIndex.(adminserver.Pinger); ok {
		health.HashChecker = pinger
	}
	if blobChecker, ok := b.blobStore.(adminserver.BackendHealthChecker); ok {
		health.BlobChecker = blobChecker
	}

	return adminserver.Config{
		Addr:   cfg.AdminServer.Addr,
		Health: health,
		RateLimit: middleware.RateLimiterConfig{
			RequestsPerSecond: cfg.AdminServer.RequestsPerSecond,
			BurstSize:         cfg.AdminServer.BurstSize,
			Enabled:           cfg.AdminServer.RateLimitEnabled,
			CleanupInterval:   5 * time.Minute,
		},
		ShutdownTimeout: cfg.AdminServer.ShutdownTimeout,
	}
}

// runServe starts a long-running deployment: the key store, the admin
// HTTP surface, and (if the hash index backend supports it) the
// reservation reconciler, until a termination signal arrives.
func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to a config file (optional; env HATSTORE_* always applies)")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := buildBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	m := metrics.New()
	ks := keystore.New(ctx, b.keyIndex, b.hashIndex, b.blobStore, m, logger, keystore.Config{
		MaxInFlightInserts: cfg.Keystore.MaxInFlightInserts,
	})

	admin := adminserver.New(buildAdminConfig(cfg, b, logger), m, logger)

	var recon *reservation.Reconciler
	if cfg.Reservation.Enabled {
		recon, err = reservation.New(b.hashIndex, reservation.Config{
			Interval:    cfg.Reservation.Interval,
			GracePeriod: cfg.Reservation.GracePeriod,
			BatchLimit:  cfg.Reservation.BatchLimit,
		}, m, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("reservation reconciler unavailable for this hash index backend")
		} else if err := recon.Start(ctx); err != nil {
			return fmt.Errorf("start reconciler: %w", err)
		}
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- admin.ListenAndServe() }()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("admin server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if recon != nil {
		if err := recon.Stop(); err != nil {
			logger.Error().Err(err).Msg("stop reconciler")
		}
	}
	if err := admin.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("admin server shutdown")
	}
	if err := ks.Flush(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("final flush")
	}
	return nil
}

// runInsert walks the -path root and inserts it (with no parent) and
// every entry beneath it as key-store entries, chunking the contents of
// everything that is not a directory with internal/chunker.
func runInsert(args []string) error {
	fs := flag.NewFlagSet("insert", flag.ExitOnError)
	configPath := fs.String("config", "", "path to a config file (optional; env HATSTORE_* always applies)")
	root := fs.String("path", "", "filesystem path to walk and insert")
	fs.Parse(args)

	if *root == "" {
		return fmt.Errorf("insert: -path is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := buildBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	m := metrics.New()
	ks := keystore.New(ctx, b.keyIndex, b.hashIndex, b.blobStore, m, logger, keystore.Config{
		MaxInFlightInserts: cfg.Keystore.MaxInFlightInserts,
	})

	inserted, err := insertTree(ctx, ks, *root)
	if err != nil {
		return err
	}
	if err := ks.Flush(ctx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	logger.Info().Int("entries", inserted).Str("path", *root).Msg("insert complete")
	return nil
}

// insertTree inserts root itself (with no parent) and recurses into
// its children, giving each child the parent id Insert returned for
// its containing directory. It returns the number of entries inserted.
func insertTree(ctx context.Context, ks *keystore.Keystore, root string) (int, error) {
	info, err := os.Lstat(root)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", root, err)
	}

	rootEntry := entryFromFileInfo(info, nil, false, 0)
	id, err := ks.Insert(ctx, rootEntry, dataSourceFor(root, info))
	if err != nil {
		return 0, fmt.Errorf("insert %s: %w", root, err)
	}

	count := 1
	if !info.IsDir() {
		return count, nil
	}

	n, err := insertChildren(ctx, ks, root, id)
	if err != nil {
		return count, err
	}
	return count + n, nil
}

func insertChildren(ctx context.Context, ks *keystore.Keystore, dir string, parentID uint64) (int, error) {
	children, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read dir %s: %w", dir, err)
	}

	count := 0
	for _, child := range children {
		info, err := child.Info()
		if err != nil {
			return count, fmt.Errorf("stat %s: %w", filepath.Join(dir, child.Name()), err)
		}

		entry := entryFromFileInfo(info, []byte(child.Name()), true, parentID)
		childPath := filepath.Join(dir, child.Name())

		id, err := ks.Insert(ctx, entry, dataSourceFor(childPath, info))
		if err != nil {
			return count, fmt.Errorf("insert %s: %w", childPath, err)
		}
		count++

		if info.IsDir() {
			n, err := insertChildren(ctx, ks, childPath, id)
			count += n
			if err != nil {
				return count, err
			}
		}
	}
	return count, nil
}

func entryFromFileInfo(info os.FileInfo, name []byte, hasParent bool, parentID uint64) domain.Entry {
	modified := info.ModTime().Unix()
	perm := uint32(info.Mode().Perm())

	var dataLength *uint64
	if !info.IsDir() {
		n := uint64(info.Size())
		dataLength = &n
	}

	return domain.Entry{
		HasParent:   hasParent,
		ParentID:    parentID,
		Name:        name,
		Modified:    &modified,
		Permissions: &perm,
		DataLength:  dataLength,
	}
}

// dataSourceFor returns a keystore.DataSourceFactory for a regular
// file, or nil for a directory (directories carry no data, spec §1).
func dataSourceFor(path string, info os.FileInfo) keystore.DataSourceFactory {
	if info.IsDir() {
		return nil
	}
	return func(ctx context.Context) (keystore.ChunkIterator, error) {
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, keystore.ErrUnreadable
			}
			return nil, err
		}
		return chunker.Open(f, chunker.DefaultPolynomial), nil
	}
}

// runLs lists the top-level entries under a key-store deployment's
// root (no parent), printing one line per entry.
func runLs(args []string) error {
	fs := flag.NewFlagSet("ls", flag.ExitOnError)
	configPath := fs.String("config", "", "path to a config file (optional; env HATSTORE_* always applies)")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.LogLevel)

	ctx := context.Background()
	b, err := buildBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	m := metrics.New()
	ks := keystore.New(ctx, b.keyIndex, b.hashIndex, b.blobStore, m, logger, keystore.Config{
		MaxInFlightInserts: cfg.Keystore.MaxInFlightInserts,
	})

	elems, err := ks.ListDir(ctx, 0, false)
	if err != nil {
		return fmt.Errorf("list dir: %w", err)
	}
	for _, e := range elems {
		kind := "file"
		if !e.Entry.HasData() {
			kind = "dir"
		}
		fmt.Printf("%d\t%s\t%s\n", e.Entry.ID, kind, e.Entry.Name)
	}
	return nil
}
