package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/iobeam/rssibeam/internal/telemetry"
)

type sampleResult struct {
	Series    string            `json:"series"`
	Source    string            `json:"source"`
	Available bool              `json:"available"`
	Sample    *telemetry.Sample `json:"sample,omitempty"`
}

// runSample handles "rssibeam sample": it reads the configured source
// once and prints the value without buffering or sending it.
func runSample(w io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	value, ok, err := newSource(cfg.Source).Read()
	if err != nil {
		return fmt.Errorf("read %s: %w", cfg.Source.Kind, err)
	}

	res := sampleResult{
		Series:    cfg.Sampling.Series,
		Source:    cfg.Source.Kind,
		Available: ok,
	}
	if ok {
		s := telemetry.NewSample(time.Now(), value)
		res.Sample = &s
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	if !ok {
		fmt.Fprintf(w, "%s: no signal (%s)\n", res.Series, res.Source)
		return nil
	}
	fmt.Fprintf(w, "%s: %d dBm (%s)\n", res.Series, value, res.Source)
	return nil
}
