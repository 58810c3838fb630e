package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/grandcat/zeroconf"
)

const CollabdVersion = "0.1.0"

const ZeroconfService = "_collab._tcp"
const ShutdownTimeout = 15 * time.Second

func main() {
	usage := `Collaboration server.

Serves websocket collaboration sessions, one hub per document, with
canonical operation ordering, snapshot persistence, and an optional
redis bridge between server nodes.

Usage:
    collabd run [--config=<path>] [--listen=<addr>] [--verbose=<level>]

Options:
    -h --help             Show this screen.
    --version             Show version.
    -c --config=<path>    Config file path.
    --listen=<addr>       Listen address override.
    --verbose=<level>     Log verbosity override.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabdVersion)
	if err != nil {
		panic(err)
	}

	if run_, _ := opts.Bool("run"); run_ {
		run(opts)
	}
}

func run(opts docopt.Opts) {
	var configPath string
	if configPathAny := opts["--config"]; configPathAny != nil {
		configPath = configPathAny.(string)
	}

	config, err := LoadConfig(configPath)
	if err != nil {
		panic(err)
	}
	if listenAny := opts["--listen"]; listenAny != nil {
		config.Listen = listenAny.(string)
	}
	if verbose, err := opts.Int("--verbose"); err == nil {
		config.LogVerbosity = verbose
	}

	initGlog(config.LogVerbosity)

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctx, stop := signal.NotifyContext(cancelCtx, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer stop()

	server, err := NewServer(ctx, config)
	if err != nil {
		panic(err)
	}

	if configPath != "" {
		watcher, err := NewConfigWatcher(ctx, configPath, config, func(applied *Config) {
			setVerbosity(applied.LogVerbosity)
			server.ApplyConfig(applied)
		})
		if err != nil {
			glog.Warningf("[d]config watch disabled = %s", err)
		} else {
			defer watcher.Close()
		}
	}

	httpServer := &http.Server{
		Addr:    config.Listen,
		Handler: server.Router(),
	}
	go func() {
		defer cancel()
		err := httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			glog.Errorf("[d]listen = %s", err)
		}
	}()

	if config.Announce {
		shutdown, err := announce(config)
		if err != nil {
			glog.Warningf("[d]announce = %s", err)
		} else {
			defer shutdown()
		}
	}

	glog.Infof("[d]collabd %s on %s", CollabdVersion, config.Listen)

	select {
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	server.Close()
	glog.Flush()
}

// glog writes through the standard flag package. The flags are never
// parsed from the command line here, docopt owns that, so parse an
// empty set and drive the values directly.
func initGlog(verbosity int) {
	flag.CommandLine.Parse([]string{})
	flag.Set("logtostderr", "true")
	setVerbosity(verbosity)
}

func setVerbosity(verbosity int) {
	flag.Set("v", strconv.Itoa(verbosity))
}

func announce(config *Config) (func(), error) {
	_, portStr, err := net.SplitHostPort(config.Listen)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}
	server, err := zeroconf.Register(config.InstanceName, ZeroconfService, "local.", port, []string{"path=/ws"}, nil)
	if err != nil {
		return nil, err
	}
	glog.Infof("[d]announcing %s as %s", ZeroconfService, config.InstanceName)
	return server.Shutdown, nil
}
