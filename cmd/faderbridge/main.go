package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/edirooss/faderbridge/internal/bridge"
	"github.com/edirooss/faderbridge/internal/config"
	"github.com/edirooss/faderbridge/internal/events"
	"github.com/edirooss/faderbridge/internal/http/router"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg == nil { // -v
		os.Exit(0)
	}

	log := buildLogger()
	defer log.Sync()
	log = log.Named("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts []bridge.Opt
	if cfg.RedisAddr != "" {
		pub := events.NewRedisPublisher(log, cfg.RedisAddr, cfg.RedisChannel)
		defer pub.Close()
		_ = pub.Ping(ctx) // logged, publishing retries on its own
		opts = append(opts, bridge.WithPublisher(pub))
	}

	b := bridge.New(log, cfg, opts...)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Run(ctx) })

	if cfg.StatusAddr != "" {
		gin.DefaultWriter = zap.NewStdLog(log.Named("gin")).Writer()
		srv := router.NewServer(cfg.StatusAddr, router.NewRouter(log.Named("http"), b, cfg.Dev))

		g.Go(func() error {
			log.Info("running HTTP server", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		log.Fatal("faderbridge failed", zap.Error(err))
	}
	log.Info("faderbridge stopped")
}

// loadConfig reads the config file and applies the command line on top.
// It returns a nil config after printing the version.
func loadConfig(args []string) (*config.Config, error) {
	fs := flag.NewFlagSet("faderbridge", flag.ContinueOnError)
	host := fs.String("h", "", "throttle server host (default localhost)")
	port := fs.Int("p", 0, "throttle server port (default 12080)")
	addrA := fs.Int("a", 0, "DCC address of channel A (default 50)")
	addrB := fs.Int("b", 0, "DCC address of channel B (default 60)")
	path := fs.String("c", "", "config file (default "+config.DefaultPath+")")
	version := fs.Bool("v", false, "print version and exit")
	fs.BoolVar(version, "version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *version {
		fmt.Printf("faderbridge %s (commit %s, built %s)\n", config.Version, config.GitCommit, config.BuildDate)
		return nil, nil
	}

	cfgPath, required := config.DefaultPath, false
	if *path != "" {
		cfgPath, required = *path, true
	}
	cfg, err := config.Load(cfgPath, required)
	if err != nil {
		return nil, err
	}

	// only flags given on the command line override the file
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "h":
			cfg.Host = *host
		case "p":
			cfg.Port = *port
		case "a":
			cfg.AddressA = *addrA
		case "b":
			cfg.AddressB = *addrB
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func buildLogger() *zap.Logger {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	logConfig.Level.SetLevel(zap.DebugLevel)
	return zap.Must(logConfig.Build())
}
