// Command oplogmirror runs one Tailer Loop per configured shard. Assembling
// collaborators and owning the command line is explicitly out of the core's
// scope (spec.md §6, "There is no CLI surface at this layer"); this is that
// enclosing process.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/oplogmirror/tailer/internal/config"
	"github.com/oplogmirror/tailer/internal/log"
	"github.com/oplogmirror/tailer/internal/reconciler"
	"github.com/oplogmirror/tailer/internal/sink"
	"github.com/oplogmirror/tailer/internal/source"
	"github.com/oplogmirror/tailer/internal/storage"
	"github.com/oplogmirror/tailer/internal/tailer"
)

var (
	app        = kingpin.New("oplogmirror", "Tails a sharded source database's oplog into a search/index backend.")
	configPath = app.Flag("config", "path to the tailer's YAML configuration").Required().String()
	dryRun     = app.Flag("dry-run", "connect and validate configuration, then exit without running").Bool()
	logLevel   = app.Flag("log-level", "debug, info, warn, or error").Default("info").Enum("debug", "info", "warn", "error")
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	if err := run(); err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
}

func run() error {
	l := log.New(os.Stderr, parseLevel(*logLevel))

	cfg, err := config.Load(*configPath)
	if err != nil {
		return errors.Wrap(err, "load configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	primaryClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.PrimaryConn))
	if err != nil {
		return errors.Wrap(err, "connect to primary")
	}
	mongosClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongosAddress))
	if err != nil {
		return errors.Wrap(err, "connect to routing front-end")
	}

	oplogDB, oplogColl, err := splitNamespace(cfg.OplogColl)
	if err != nil {
		return errors.Wrap(err, "parse oplog_coll")
	}
	oplog := source.NewOplogCollection(primaryClient.Database(oplogDB).Collection(oplogColl))

	router := source.NewRouter(mongosClient)
	resolver := source.Resolver{Router: router, Backoff: cfg.ResolverBackoff, Log: l.With("resolver")}

	store, err := sink.NewElastic(sink.ElasticConfig{
		Addresses:  cfg.Sink.Addresses,
		Username:   cfg.Sink.Username,
		Password:   cfg.Sink.Password,
		Index:      cfg.Sink.Index,
		GzipBodies: true,
	})
	if err != nil {
		return errors.Wrap(err, "dial secondary store")
	}

	recon := reconciler.Reconciler{
		Sink:            store,
		Oplog:           oplog,
		Router:          reconciler.NewRouter(source.NewMultiKeyClient(mongosClient)),
		NamespaceFilter: cfg.NamespaceSet,
		Log:             l.With("reconciler"),
	}

	cursorMgr := source.CursorManager{Oplog: oplog, Reconciler: recon, Log: l.With("cursor")}

	collections := make(map[string]source.FullScanCollection, len(cfg.NamespaceSet))
	for _, ns := range cfg.NamespaceSet {
		db, coll, err := splitNamespace(ns)
		if err != nil {
			return errors.Wrapf(err, "parse namespace_set entry %q", ns)
		}
		collections[ns] = source.NewFullScanCollection(primaryClient.Database(db).Collection(coll))
	}
	dumper := source.Dumper{Collections: collections, Sink: store, Log: l.With("dump"), ProgressOutput: os.Stderr}

	archive, err := storage.New(cfg.Archive)
	if err != nil {
		return errors.Wrap(err, "dial archive backend")
	}

	tl := tailer.New(tailer.Config{
		ConnKey:        cfg.PrimaryConn,
		CheckpointPath: cfg.OplogFile,
		IsSharded:      cfg.IsSharded,
		Oplog:          oplog,
		Cursor:         cursorMgr,
		DocResolver:    resolver,
		Dumper:         dumper,
		Sink:           store,
		CommitInterval: cfg.StreamPollInterval,
		Log:            l,
		Archive:        archive,
	})

	if *dryRun {
		l.Info("dry run: configuration loaded and collaborators wired successfully")
		return nil
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		l.Info("signal received, stopping tailer")
		tl.Stop()
		cancel()
	}()

	return tl.Run(ctx)
}

func parseLevel(s string) log.Level {
	switch s {
	case "debug":
		return log.LevelDebug
	case "warn":
		return log.LevelWarn
	case "error":
		return log.LevelError
	default:
		return log.LevelInfo
	}
}

func splitNamespace(ns string) (db, coll string, err error) {
	for i := 0; i < len(ns); i++ {
		if ns[i] == '.' {
			return ns[:i], ns[i+1:], nil
		}
	}
	return "", "", errors.Errorf("malformed namespace %q", ns)
}
