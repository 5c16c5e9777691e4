package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/fako1024/btfitscale/pkg/bodymetrics"
	"github.com/fako1024/btfitscale/pkg/capture"
	"github.com/fako1024/btfitscale/pkg/config"
	"github.com/fako1024/btfitscale/pkg/etekcity"
	"github.com/fako1024/btfitscale/pkg/etekcity/stabilizer"
	"github.com/fako1024/btfitscale/pkg/gattble"
	"github.com/fako1024/btfitscale/pkg/scale"
	"github.com/sirupsen/logrus"
)

type flags struct {
	configPath string
	addr       string
	name       string

	unit    string
	replay  string
	timeout time.Duration
}

var log = logrus.New()

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() (err error) {

	// Parse command line options
	var f flags
	flag.StringVar(&f.configPath, "config", "", "Path to YAML configuration file")
	flag.StringVar(&f.addr, "addr", "", "Address of remote peripheral")
	flag.StringVar(&f.name, "name", "", "Name of remote peripheral")

	flag.StringVar(&f.unit, "unit", "", "Set the display unit of the scale (kg / lb / st)")
	flag.StringVar(&f.replay, "replay", "", "Replay a capture file and print the finalized measurements")
	flag.DurationVar(&f.timeout, "timeout", time.Minute, "Maximum time to wait for the scale")
	flag.Parse()

	cfg := config.Default()
	if f.configPath != "" {
		if cfg, err = config.Load(f.configPath); err != nil {
			return err
		}
	}
	if f.addr != "" {
		cfg.Address = f.addr
	}
	if f.name != "" {
		cfg.Name = f.name
	}

	switch {
	case f.replay != "":
		return replay(cfg, f.replay)
	case f.unit != "":
		return setUnit(cfg, f.unit, f.timeout)
	}

	flag.Usage()
	return nil
}

func replay(cfg *config.Config, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open capture: %w", err)
	}
	defer file.Close()

	profile, withProfile, err := cfg.BodyProfile()
	if err != nil {
		return err
	}

	var count int
	n, err := capture.Replay(file, cfg.StabilizerConfig(), func(m stabilizer.Measurement) {
		count++
		fields := logrus.Fields{"time": m.Time.Format(time.RFC3339)}
		if m.HasWeight {
			fields[scale.WeightKey] = m.WeightKg
		}
		if m.HasImpedance {
			fields[scale.ImpedanceKey] = m.Impedance
		}
		if withProfile && m.HasWeight && m.HasImpedance {
			metrics, err := bodymetrics.Compute(profile.Input(m.WeightKg, m.Impedance, m.Time))
			if err != nil {
				log.Warnf("failed to compute body metrics: %s", err)
			} else {
				for k, v := range metrics.AsMap() {
					fields[k] = v
				}
			}
		}
		log.WithFields(fields).Info("measurement")
	})
	if err != nil {
		return fmt.Errorf("failed to replay capture after %d records: %w", n, err)
	}

	log.Infof("replayed %d records, %d measurements", n, count)
	return nil
}

func setUnit(cfg *config.Config, unitName string, timeout time.Duration) (err error) {
	u, err := scale.ParseWeightUnit(unitName)
	if err != nil {
		return err
	}
	if cfg.Address == "" && cfg.Name == "" {
		return fmt.Errorf("either address or name of the scale is required")
	}

	options, err := cfg.ScaleOptions()
	if err != nil {
		return err
	}

	transport, err := gattble.New(gattble.WithLogger(log))
	if err != nil {
		return fmt.Errorf("failed to initialize bluetooth transport: %w", err)
	}
	defer func() {
		if cerr := transport.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	s, err := etekcity.New(cfg.Address, transport, options...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if cerr := s.Stop(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	// The request is sent as soon as the scale is connected
	if err := s.SetDisplayUnit(ctx, u); err != nil {
		return fmt.Errorf("failed to set display unit: %w", err)
	}

	hw, _ := s.HWVersion()
	sw, _ := s.SWVersion()
	log.Infof("scale `%s` (hw %s, sw %s) now displays `%s`", s.Address(), hw, sw, s.DisplayUnit())

	return nil
}
