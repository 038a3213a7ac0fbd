package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	"golang.org/x/term"

	"github.com/Milkshiift/syncstore/syncstore"
	"github.com/Milkshiift/syncstore/syncstore/sqlitestore"
)

const LocalVersion = "0.0.0-local"

const DefaultUrl = "ws://127.0.0.1:8400/sync"

func main() {
	usage := fmt.Sprintf(
		`Synchronized store control.

The default url is:
    url: %s

Usage:
    syncstorectl serve --config=<config>
    syncstorectl get [--url=<url>] [--store=<store>] [--secret=<secret>] [--ask_secret]
    syncstorectl set <update> [--url=<url>] [--store=<store>] [--secret=<secret>] [--ask_secret]
    syncstorectl set-key <key> <value> [--url=<url>] [--store=<store>] [--secret=<secret>] [--ask_secret]
    syncstorectl reset [--url=<url>] [--store=<store>] [--secret=<secret>] [--ask_secret]
    syncstorectl watch [--url=<url>] [--store=<store>] [--secret=<secret>] [--ask_secret]

Options:
    -h --help            Show this screen.
    --version            Show version.
    --config=<config>    Host config file (toml).
    --url=<url>          Host sync endpoint.
    --store=<store>      Store name [default: default].
    --secret=<secret>    Auth secret.
    --ask_secret         Prompt for the auth secret instead of passing it on the command line.`,
		DefaultUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], LocalVersion)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if get_, _ := opts.Bool("get"); get_ {
		get(opts)
	} else if set_, _ := opts.Bool("set"); set_ {
		set(opts)
	} else if setKey_, _ := opts.Bool("set-key"); setKey_ {
		setKey(opts)
	} else if reset_, _ := opts.Bool("reset"); reset_ {
		reset(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	}
}

func serve(opts docopt.Opts) {
	configPath, _ := opts.String("--config")
	cfg, err := loadServeConfig(configPath)
	if err != nil {
		glog.Errorf("[ctl]config error = %s\n", err)
		os.Exit(1)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	event := syncstore.NewEventWithContext(cancelCtx)
	event.SetOnSignals(syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	ctx := event.Ctx()

	middleware := []syncstore.Middleware{}
	if cfg.SqlitePath != "" {
		sqliteMiddleware, err := sqlitestore.New(cfg.SqlitePath, cfg.StoreName)
		if err != nil {
			glog.Errorf("[ctl]sqlite error = %s\n", err)
			os.Exit(1)
		}
		defer sqliteMiddleware.Close()
		middleware = append(middleware, sqliteMiddleware)
	}
	if cfg.FilePath != "" {
		middleware = append(middleware, syncstore.NewFileMiddleware(cfg.FilePath))
	}

	store := syncstore.NewStoreWithDefaults(ctx, cfg.StoreName, cfg.Defaults, nil, middleware)
	defer store.Close()

	serverSettings := syncstore.DefaultServerSettings()
	if 0 < cfg.ReadTimeout {
		serverSettings.ReadTimeout = cfg.ReadTimeout
	}
	server := syncstore.NewServer(ctx, []*syncstore.Store{store}, []byte(cfg.AuthSecret), serverSettings)
	defer server.Close()

	mux := http.NewServeMux()
	mux.Handle("/sync", server)

	httpServer := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}
	go func() {
		<-ctx.Done()
		httpServer.Close()
	}()

	fmt.Printf("store: %s\n", cfg.StoreName)
	fmt.Printf("listening on %s\n", cfg.Listen)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		glog.Errorf("[ctl]serve error = %s\n", err)
		os.Exit(1)
	}
}

func get(opts docopt.Opts) {
	withReplica(opts, func(ctx context.Context, replica *syncstore.Replica) {
		snapshot, err := replica.Ready(ctx)
		if err != nil {
			glog.Errorf("[ctl]get error = %s\n", err)
			os.Exit(1)
		}
		printValue(snapshot)
	})
}

func set(opts docopt.Opts) {
	updateStr, _ := opts.String("<update>")
	update, err := syncstore.DecodeValueJSON([]byte(updateStr))
	if err != nil {
		glog.Errorf("[ctl]bad update = %s\n", err)
		os.Exit(1)
	}
	withReplica(opts, func(ctx context.Context, replica *syncstore.Replica) {
		if _, err := replica.Ready(ctx); err != nil {
			glog.Errorf("[ctl]set error = %s\n", err)
			os.Exit(1)
		}
		if err := replica.Set(ctx, update); err != nil {
			glog.Errorf("[ctl]set error = %s\n", err)
			os.Exit(1)
		}
	})
}

func setKey(opts docopt.Opts) {
	key, _ := opts.String("<key>")
	valueStr, _ := opts.String("<value>")
	value, err := syncstore.DecodeValueJSON([]byte(valueStr))
	if err != nil {
		glog.Errorf("[ctl]bad value = %s\n", err)
		os.Exit(1)
	}
	withReplica(opts, func(ctx context.Context, replica *syncstore.Replica) {
		if _, err := replica.Ready(ctx); err != nil {
			glog.Errorf("[ctl]set-key error = %s\n", err)
			os.Exit(1)
		}
		if err := replica.SetKey(ctx, key, value); err != nil {
			glog.Errorf("[ctl]set-key error = %s\n", err)
			os.Exit(1)
		}
	})
}

func reset(opts docopt.Opts) {
	withReplica(opts, func(ctx context.Context, replica *syncstore.Replica) {
		if _, err := replica.Ready(ctx); err != nil {
			glog.Errorf("[ctl]reset error = %s\n", err)
			os.Exit(1)
		}
		if err := replica.Reset(ctx); err != nil {
			glog.Errorf("[ctl]reset error = %s\n", err)
			os.Exit(1)
		}
	})
}

func watch(opts docopt.Opts) {
	withReplica(opts, func(ctx context.Context, replica *syncstore.Replica) {
		if _, err := replica.Ready(ctx); err != nil {
			glog.Errorf("[ctl]watch error = %s\n", err)
			os.Exit(1)
		}
		unsub := replica.Subscribe(func(snapshot any) {
			printValue(snapshot)
		})
		defer unsub()
		<-ctx.Done()
	})
}

func withReplica(opts docopt.Opts, c func(ctx context.Context, replica *syncstore.Replica)) {
	var url string
	if urlAny := opts["--url"]; urlAny != nil {
		url = urlAny.(string)
	} else {
		url = DefaultUrl
	}
	storeName, _ := opts.String("--store")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	event := syncstore.NewEventWithContext(cancelCtx)
	event.SetOnSignals(syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	ctx := event.Ctx()

	token := clientToken(opts)

	transport := syncstore.NewTransportWithDefaults(ctx, url, token)
	defer transport.Close()

	replica := syncstore.NewReplicaWithDefaults(ctx, storeName, transport)
	defer replica.Close()

	c(ctx, replica)
}

func clientToken(opts docopt.Opts) string {
	var secret string
	if secretAny := opts["--secret"]; secretAny != nil {
		secret = secretAny.(string)
	} else if askSecret_, _ := opts.Bool("--ask_secret"); askSecret_ {
		fmt.Print("Enter auth secret: ")
		secretBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Printf("\n")
		if err != nil {
			glog.Errorf("[ctl]secret error = %s\n", err)
			os.Exit(1)
		}
		secret = string(secretBytes)
	}
	if secret == "" {
		return ""
	}

	auth := &syncstore.ClientAuth{
		ClientId:   syncstore.NewId(),
		AppVersion: LocalVersion,
	}
	token, err := syncstore.SignClientToken([]byte(secret), auth, 24*time.Hour)
	if err != nil {
		glog.Errorf("[ctl]token error = %s\n", err)
		os.Exit(1)
	}
	return token
}

func printValue(v any) {
	b, err := syncstore.EncodeValueJSON(v)
	if err != nil {
		glog.Errorf("[ctl]encode error = %s\n", err)
		return
	}
	fmt.Printf("%s\n", string(b))
}
