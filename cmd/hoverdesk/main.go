package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/hoverdesk/hoverdesk/pkg/chatstore"
	"github.com/hoverdesk/hoverdesk/pkg/dispatch"
	"github.com/hoverdesk/hoverdesk/pkg/redisstream"
	"github.com/hoverdesk/hoverdesk/pkg/routing"
	"github.com/hoverdesk/hoverdesk/pkg/synthesis"
)

type synthesisConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type externalConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type serverSettings struct {
	Addr          string               `yaml:"addr"`
	DB            string               `yaml:"db"`
	MissedTimeout time.Duration        `yaml:"missed_timeout"`
	RoomIdle      time.Duration        `yaml:"room_idle"`
	Synthesis     synthesisConfig      `yaml:"synthesis"`
	External      externalConfig       `yaml:"external"`
	Redis         redisstream.Settings `yaml:"redis"`
}

func defaultSettings() serverSettings {
	return serverSettings{
		Addr:          ":8080",
		MissedTimeout: dispatch.DefaultMissedTimeout,
		RoomIdle:      time.Minute,
		Synthesis:     synthesisConfig{Timeout: routing.DefaultSynthesisTimeout},
		External:      externalConfig{Timeout: routing.DefaultFetchTimeout},
		Redis:         redisstream.DefaultSettings(),
	}
}

func loadSettings(path string) (serverSettings, error) {
	s := defaultSettings()
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return s, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, errors.Wrapf(err, "parse config %s", path)
	}
	return s, nil
}

func setupLogging(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "parse log level %q", level)
	}
	zerolog.SetGlobalLevel(lvl)
	if isatty.IsTerminal(os.Stderr.Fd()) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	return nil
}

func buildStore(s serverSettings) (chatstore.Store, error) {
	if s.DB == "" {
		log.Warn().Msg("no db path configured, sessions are held in memory only")
		return chatstore.NewMemoryStore(), nil
	}
	dsn, err := chatstore.SQLiteDSNForFile(s.DB)
	if err != nil {
		return nil, errors.Wrap(err, "build sqlite dsn")
	}
	store, err := chatstore.NewSQLiteStore(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open session store")
	}
	log.Info().Str("db", s.DB).Msg("opened sqlite session store")
	return store, nil
}

func buildEngine(s serverSettings, store chatstore.Store) (*routing.Engine, error) {
	var synth synthesis.Synthesizer
	if s.Synthesis.URL != "" {
		synth = &synthesis.HTTPSynthesizer{URL: s.Synthesis.URL}
	} else {
		log.Warn().Msg("no synthesis url configured, using canned chatbot replies")
		synth = &synthesis.CannedSynthesizer{}
	}
	var values routing.ExternalValueSource
	if s.External.URL != "" {
		values = &routing.HTTPValueSource{URL: s.External.URL}
	}
	return routing.NewEngine(routing.EngineConfig{
		Store:            store,
		Synthesizer:      synth,
		Values:           values,
		SynthesisTimeout: s.Synthesis.Timeout,
		FetchTimeout:     s.External.Timeout,
		Logger:           log.Logger,
	})
}

func runServe(configPath string) error {
	settings, err := loadSettings(configPath)
	if err != nil {
		return err
	}

	store, err := buildStore(settings)
	if err != nil {
		return err
	}

	backend, err := dispatch.NewStreamBackend(settings.Redis)
	if err != nil {
		return errors.Wrap(err, "build stream backend")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, err := buildEngine(settings, store)
	if err != nil {
		return err
	}

	rooms := dispatch.NewRoomRegistry(ctx, backend, settings.RoomIdle, log.Logger)
	d, err := dispatch.NewDispatcher(dispatch.DispatcherConfig{
		Store:         store,
		Routing:       engine,
		Rooms:         rooms,
		MissedTimeout: settings.MissedTimeout,
		Logger:        log.Logger,
	})
	if err != nil {
		return err
	}

	server := dispatch.BuildHTTPServer(d, dispatch.ServerConfig{Addr: settings.Addr})

	eg := errgroup.Group{}
	eg.Go(func() error {
		log.Info().Str("addr", settings.Addr).Bool("redis", settings.Redis.Enabled).Msg("starting dispatcher")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	eg.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigChan:
		case <-ctx.Done():
		}
		log.Info().Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
		rooms.Close()
		if err := backend.Close(); err != nil {
			log.Error().Err(err).Msg("stream backend close error")
		}
		cancel()
		return nil
	})
	return eg.Wait()
}

func main() {
	var logLevel string
	var configPath string

	root := &cobra.Command{
		Use:   "hoverdesk",
		Short: "Customer support session dispatcher and chatbot router",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return setupLogging(logLevel)
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket dispatcher",
		RunE: func(*cobra.Command, []string) error {
			return runServe(configPath)
		},
	}
	serve.Flags().StringVar(&configPath, "config", "", "path to yaml config file")
	root.AddCommand(serve)

	cobra.CheckErr(root.Execute())
}
