package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"crossover-sentry/pkg/types"
	"github.com/spf13/viper"
)

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := LoadFrom(viper.New(), t.TempDir())
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	ema := cfg.Strategy.EMACross
	if ema.FastPeriod != 3 || ema.SlowPeriod != 33 {
		t.Errorf("periods = %d/%d, want 3/33", ema.FastPeriod, ema.SlowPeriod)
	}
	if ema.CandleCount != 400 || ema.MaxReversalWait != 5 || ema.TimeframeSeconds != 60 {
		t.Errorf("unexpected defaults: %+v", ema)
	}
	if ema.PollInterval != 500*time.Millisecond {
		t.Errorf("poll_interval = %v", ema.PollInterval)
	}
	if err := ema.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadFrom_LocalFileWins(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("config.yaml", "strategy:\n  ema_cross:\n    fast_period: 5\n")
	write("config.local.yaml", "strategy:\n  ema_cross:\n    fast_period: 7\n    symbols: [\"EURUSD-OTC\"]\n")

	cfg, err := LoadFrom(viper.New(), dir)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if got := cfg.Strategy.EMACross.FastPeriod; got != 7 {
		t.Errorf("fast_period = %d, want 7", got)
	}
	if got := cfg.Strategy.EMACross.Symbols; !reflect.DeepEqual(got, []string{"EURUSD-OTC"}) {
		t.Errorf("symbols = %v", got)
	}
}

func TestDiff(t *testing.T) {
	prev := types.EMACrossConfig{Symbols: []string{"A"}, FastPeriod: 3, SlowPeriod: 33, CandleCount: 400, MaxReversalWait: 5, TimeframeSeconds: 60}

	if patch := Diff(prev, prev); !patch.Empty() {
		t.Errorf("identical configs produced patch %+v", patch)
	}

	next := prev
	next.Symbols = []string{"A", "B"}
	next.SlowPeriod = 21
	patch := Diff(prev, next)
	if patch.SlowPeriod == nil || *patch.SlowPeriod != 21 {
		t.Errorf("slow patch = %v", patch.SlowPeriod)
	}
	if patch.FastPeriod != nil {
		t.Errorf("fast should be untouched")
	}
	if applied := prev.Apply(patch); !reflect.DeepEqual(applied.Symbols, next.Symbols) || applied.SlowPeriod != 21 {
		t.Errorf("Apply(Diff) = %+v", applied)
	}
}
