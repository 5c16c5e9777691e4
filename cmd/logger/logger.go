package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fako1024/btfitscale/pkg/api"
	"github.com/fako1024/btfitscale/pkg/capture"
	"github.com/fako1024/btfitscale/pkg/config"
	"github.com/fako1024/btfitscale/pkg/etekcity"
	"github.com/fako1024/btfitscale/pkg/gattble"
	"github.com/fako1024/btfitscale/pkg/mock"
	"github.com/fako1024/btfitscale/pkg/scale"
	"github.com/sirupsen/logrus"
)

const mockInterval = 10 * time.Second

type flags struct {
	configPath string
	addr       string
	name       string
	mode       string
	listen     string
	capture    string
	mock       bool
	debug      bool
}

var log = logrus.New()

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {

	// Parse command line options
	var f flags
	flag.StringVar(&f.configPath, "config", "", "path to YAML configuration file")
	flag.StringVar(&f.addr, "addr", "", "address of remote peripheral (MAC on Linux, UUID on OS X)")
	flag.StringVar(&f.name, "name", "", "name of remote peripheral")
	flag.StringVar(&f.mode, "mode", "", "operation mode (connect / advertisement)")
	flag.StringVar(&f.listen, "listen", "", "serve the REST API on this endpoint")
	flag.StringVar(&f.capture, "capture", "", "record all raw payloads to this file")
	flag.BoolVar(&f.mock, "mock", false, "use a mock scale")
	flag.BoolVar(&f.debug, "debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	if cfg.Debug {
		log.SetLevel(logrus.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, closeFn, err := newScale(cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	s.SetDataHandler(func(data scale.ScaleData) {
		log.WithFields(logrus.Fields{
			"id":      data.ID,
			"address": data.Address,
			"unit":    data.DisplayUnit,
		}).Infof("measurement: %v", data.Measurements)
	})

	stateChan := make(chan scale.ConnectionStatus, 16)
	s.SetStateChangeChannel(stateChan)
	statesDone := make(chan struct{})
	go func() {
		logStates(log, stateChan)
		close(statesDone)
	}()

	// Runs after the session was stopped, so nothing sends on the channel anymore
	defer func() {
		s.SetStateChangeChannel(nil)
		close(stateChan)
		<-statesDone
	}()

	if cfg.API.Listen != "" {
		srv := api.New(s)
		go func() {
			if err := srv.Listen(cfg.API.Listen); err != nil {
				log.Errorf("failed to serve API: %s", err)
			}
		}()
		defer func() {
			if err := srv.Shutdown(); err != nil {
				log.Warnf("failed to shut down API: %s", err)
			}
		}()
	}

	if err := s.Start(ctx); err != nil {
		return err
	}
	if m, ok := s.(*mock.Mock); ok {
		go emitMock(ctx, m)
	}

	<-ctx.Done()
	log.Infof("Got signal, terminating session")

	return s.Stop()
}

func loadConfig(f flags) (cfg *config.Config, err error) {
	cfg = config.Default()
	if f.configPath != "" {
		if cfg, err = config.Load(f.configPath); err != nil {
			return nil, err
		}
	}

	// Command line options take precedence
	if f.addr != "" {
		cfg.Address = f.addr
	}
	if f.name != "" {
		cfg.Name = f.name
	}
	if f.mode != "" {
		cfg.Mode = f.mode
	}
	if f.listen != "" {
		cfg.API.Listen = f.listen
	}
	if f.capture != "" {
		cfg.Capture = f.capture
	}
	cfg.Mock = cfg.Mock || f.mock
	cfg.Debug = cfg.Debug || f.debug

	return cfg, cfg.Validate()
}

func newScale(cfg *config.Config) (scale.Scale, func(), error) {
	if cfg.Mock {
		var options []func(*mock.Mock)
		if cfg.Name != "" {
			options = append(options, mock.WithDeviceName(cfg.Name))
		}
		profile, ok, err := cfg.BodyProfile()
		if err != nil {
			return nil, nil, err
		}
		if ok {
			options = append(options, mock.WithProfile(profile))
		}
		return mock.New(options...), func() {}, nil
	}

	options, err := cfg.ScaleOptions()
	if err != nil {
		return nil, nil, err
	}
	options = append(options, etekcity.WithLogger(scale.NewDefaultLogger(cfg.Debug, cfg.Address)))

	closers := []func(){}
	closeFn := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.Capture != "" {
		file, err := os.OpenFile(cfg.Capture, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() {
			if err := file.Close(); err != nil {
				log.Warnf("failed to close capture file: %s", err)
			}
		})

		w := capture.NewWriter(file)
		log.Infof("recording capture session %s to `%s`", w.Session(), cfg.Capture)
		options = append(options, etekcity.WithCapture(w))
	}

	transport, err := gattble.New(gattble.WithLogger(log))
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	closers = append(closers, func() {
		if err := transport.Close(); err != nil {
			log.Warnf("failed to release bluetooth device: %s", err)
		}
	})

	s, err := etekcity.New(cfg.Address, transport, options...)
	if err != nil {
		closeFn()
		return nil, nil, err
	}

	return s, closeFn, nil
}

// logStates logs all state changes until the channel is closed
func logStates(logger logrus.FieldLogger, ch <-chan scale.ConnectionStatus) {
	for st := range ch {
		if st.Error != nil {
			logger.Warnf("state change: %s (%s)", st.State, st.Error)
			continue
		}
		logger.Infof("state change: %s", st.State)
	}
}

// emitMock periodically simulates weigh-ins on a mock scale
func emitMock(ctx context.Context, m *mock.Mock) {
	ticker := time.NewTicker(mockInterval)
	defer ticker.Stop()

	weight := 70.
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Emit(weight, 500); err != nil {
				log.Warnf("failed to emit mock measurement: %s", err)
			}
			weight += 0.1
		}
	}
}
