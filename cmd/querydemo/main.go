package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/ipni/go-querycache/config"
	"github.com/ipni/go-querycache/httpfetch"
	"github.com/ipni/go-querycache/metrics"
	"github.com/ipni/go-querycache/mockapi"
	"github.com/ipni/go-querycache/query"
	"github.com/ipni/go-querycache/querykey"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

var log = logging.Logger("querydemo")

var subsystems = []string{"querydemo", "query", "httpfetch", "mockapi"}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to TOML config file (optional)")
	logLevel := flag.String("loglevel", "", "log level, overrides config")
	only := flag.String("scenario", "", "run only the named scenario")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "querydemo: %v\n", err)
		return 1
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	for _, name := range subsystems {
		if err = logging.SetLogLevel(name, cfg.LogLevel); err != nil {
			fmt.Fprintf(os.Stderr, "querydemo: %v\n", err)
			return 1
		}
	}

	if err = runDemo(ctx, cfg, *only, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "querydemo: %v\n", err)
		return 1
	}
	return 0
}

func runDemo(ctx context.Context, cfg config.Config, only string, out io.Writer) error {
	e := &env{out: out}

	baseURL := cfg.Fetch.BaseURL
	if baseURL == "" {
		api, err := mockapi.New(cfg.MockOptions()...)
		if err != nil {
			return err
		}
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return err
		}
		srv := &http.Server{Handler: api.Handler()}
		go func() {
			if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorw("Mock api server failed", "err", err)
			}
		}()
		defer srv.Close()

		baseURL = "http://" + l.Addr().String()
		e.api = api
		log.Infow("Serving mock api", "url", baseURL)
	}

	hc, err := httpfetch.New(baseURL, cfg.FetchOptions()...)
	if err != nil {
		return err
	}
	e.hc = hc

	reg := prometheus.NewRegistry()
	m, err := metrics.NewPrometheus(reg, "querydemo")
	if err != nil {
		return err
	}
	qc, err := query.New(append(cfg.QueryOptions(), query.WithMetrics(m))...)
	if err != nil {
		return err
	}
	defer qc.Close()
	e.qc = qc

	var ran int
	for _, sc := range scenarios {
		if only != "" && sc.name != only {
			continue
		}
		ran++
		e.printf("== %s", sc.name)
		if err = sc.run(ctx, e); err != nil {
			return fmt.Errorf("scenario %s: %w", sc.name, err)
		}
	}
	if ran == 0 {
		return fmt.Errorf("unknown scenario %q", only)
	}

	e.printf("== cache")
	for _, ent := range qc.Store().Find(querykey.Key{}) {
		e.printf("%-40s %s", ent.Key, ent.Status)
	}
	e.printf("hits %.0f, misses %.0f, fetches %.0f, rollbacks %.0f",
		counterValue(m.Hits), counterValue(m.Misses), counterValue(m.Fetches), counterValue(m.Rollbacks))
	return nil
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
