package signals

import (
	"testing"

	"crossover-sentry/pkg/types"
)

func candlesFromCloses(closes ...float64) []*types.Candle {
	out := make([]*types.Candle, len(closes))
	for i, c := range closes {
		out[i] = &types.Candle{Symbol: "TEST", OpenTime: int64(i * 60), Open: c, Close: c}
	}
	return out
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name           string
		fp, fc, sp, sc float64
		want           types.Direction
	}{
		{"call from below", 1.0, 2.0, 1.5, 1.8, types.DirectionCall},
		{"call from touch", 1.5, 2.0, 1.5, 1.8, types.DirectionCall},
		{"put from above", 2.0, 1.0, 1.5, 1.8, types.DirectionPut},
		{"put from touch", 1.5, 1.0, 1.5, 1.8, types.DirectionPut},
		{"stays above", 2.0, 2.1, 1.5, 1.6, types.DirectionNone},
		{"stays below", 1.0, 1.1, 1.5, 1.6, types.DirectionNone},
		{"equal now", 1.0, 1.8, 1.5, 1.8, types.DirectionNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.fp, tc.fc, tc.sp, tc.sc); got != tc.want {
				t.Errorf("Classify(%v,%v,%v,%v) = %q, want %q", tc.fp, tc.fc, tc.sp, tc.sc, got, tc.want)
			}
		})
	}
}

func TestDetect_CallAndPut(t *testing.T) {
	d := NewCrossoverDetector(2, 4)

	// 下跌后最后一根大幅拉升：快线上穿慢线
	up := candlesFromCloses(10, 9, 8, 7, 6, 5, 20)
	if got := d.Detect(up); got != types.DirectionCall {
		t.Errorf("Detect(up) = %q, want call", got)
	}

	down := candlesFromCloses(5, 6, 7, 8, 9, 10, 0)
	if got := d.Detect(down); got != types.DirectionPut {
		t.Errorf("Detect(down) = %q, want put", got)
	}

	trend := candlesFromCloses(1, 2, 3, 4, 5, 6, 7)
	if got := d.Detect(trend); got != types.DirectionNone {
		t.Errorf("Detect(trend) = %q, want none", got)
	}
}

func TestDetect_InsufficientCandles(t *testing.T) {
	d := NewCrossoverDetector(2, 4)
	if got := d.Detect(candlesFromCloses(10, 9, 8, 20)); got != types.DirectionNone {
		t.Errorf("expected none with %d candles, got %q", 4, got)
	}
}

func TestDetect_Idempotent(t *testing.T) {
	d := NewCrossoverDetector(2, 4)
	window := candlesFromCloses(10, 9, 8, 7, 6, 5, 20)
	first := d.Detect(window)
	for i := 0; i < 5; i++ {
		if got := d.Detect(window); got != first {
			t.Fatalf("run %d: %q != %q", i, got, first)
		}
	}
}

func TestDetectAt_MatchesDetect(t *testing.T) {
	d := NewCrossoverDetector(2, 4)
	window := candlesFromCloses(10, 9, 8, 7, 6, 5, 20)
	fast, slow := d.Series(window)
	if got := d.DetectAt(fast, slow, len(window)-1); got != d.Detect(window) {
		t.Errorf("DetectAt = %q, Detect = %q", got, d.Detect(window))
	}
	if got := d.DetectAt(fast, slow, 3); got != types.DirectionNone {
		t.Errorf("DetectAt before slow EMA exists = %q", got)
	}
}

func TestCandleDirection(t *testing.T) {
	if got := CandleDirection(&types.Candle{Open: 1, Close: 2}); got != types.DirectionCall {
		t.Errorf("bull = %q", got)
	}
	if got := CandleDirection(&types.Candle{Open: 2, Close: 1}); got != types.DirectionPut {
		t.Errorf("bear = %q", got)
	}
	if got := CandleDirection(&types.Candle{Open: 1, Close: 1}); got != types.DirectionNone {
		t.Errorf("doji = %q", got)
	}
	if IsReversal(types.DirectionCall, &types.Candle{Open: 1, Close: 1}) {
		t.Error("flat candle is never a reversal")
	}
	if !IsReversal(types.DirectionCall, &types.Candle{Open: 2, Close: 1}) {
		t.Error("bear candle reverses a call")
	}
}
