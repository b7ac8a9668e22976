package feature

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"futures-agent/internal/indicator"
	"futures-agent/internal/trader"
)

const (
	// Timeframe1h / Timeframe4h 为特征提取使用的两个时间级别。
	Timeframe1h = "1h"
	Timeframe4h = "4h"

	minCandles1H = 60
	minCandles4H = 30
)

// TrendFeatures 描述趋势相关指标。
type TrendFeatures struct {
	EMA12                float64
	EMA26                float64
	EMA50                float64
	EMARank              string
	PriceAboveEMA50      bool
	MACDValue            float64
	MACDSignal           float64
	MACDHistogram        float64
	MACDHistogramChange  float64
	HigherTimeframeTrend string
}

// MomentumFeatures 描述动量相关指标。
type MomentumFeatures struct {
	RSIValue         float64
	RSIState         string
	VolumeRatio      float64
	VolumeDivergence string
}

// VolatilityFeatures 描述波动率状况。
type VolatilityFeatures struct {
	ATRAbsolute          float64
	ATRRelative          float64
	RecentVolatility     float64
	HistoricalVolatility float64
	VolatilityRatio      float64
}

// StructureFeatures 描述近端支撑与压力。
type StructureFeatures struct {
	SupportLevel    float64
	ResistanceLevel float64
	PriceRange      float64
}

// FeatureSet 汇总单个标的的全部特征，用于提示词拼装。
type FeatureSet struct {
	Symbol        string
	GeneratedAt   time.Time
	LastClose     float64
	Trend         TrendFeatures
	Momentum      MomentumFeatures
	Volatility    VolatilityFeatures
	Structure     StructureFeatures
	TrendStrength string
}

// Extractor 根据两个时间级别的K线提取特征。
type Extractor struct {
	indicators *indicator.Calculator
	logger     *zap.Logger
}

// NewExtractor 创建特征提取器。
func NewExtractor(calc *indicator.Calculator, logger *zap.Logger) *Extractor {
	if calc == nil {
		calc = indicator.NewCalculator()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		indicators: calc,
		logger:     logger,
	}
}

// Extract 计算特征。candles1h 至少60根，candles4h 至少30根。
func (e *Extractor) Extract(symbol string, candles1h, candles4h []trader.Candle) (FeatureSet, error) {
	if len(candles1h) < minCandles1H {
		return FeatureSet{}, fmt.Errorf("1小时K线数量不足，至少需要 %d 根，当前 %d", minCandles1H, len(candles1h))
	}
	if len(candles4h) < minCandles4H {
		return FeatureSet{}, fmt.Errorf("4小时K线数量不足，至少需要 %d 根，当前 %d", minCandles4H, len(candles4h))
	}

	res1h, err := e.indicators.Compute(symbol, Timeframe1h, candles1h)
	if err != nil {
		return FeatureSet{}, fmt.Errorf("计算1小时指标失败: %w", err)
	}

	res4h, err := e.indicators.Compute(symbol, Timeframe4h, candles4h)
	if err != nil {
		return FeatureSet{}, fmt.Errorf("计算4小时指标失败: %w", err)
	}

	features := FeatureSet{
		Symbol:        symbol,
		GeneratedAt:   time.Now().UTC(),
		LastClose:     clean(res1h.Close),
		Trend:         buildTrendFeatures(res1h, res4h),
		Momentum:      buildMomentumFeatures(res1h),
		Volatility:    buildVolatilityFeatures(res1h),
		Structure:     buildStructureFeatures(res1h.Series),
		TrendStrength: determineTrendStrength(res1h.ADX),
	}

	e.logger.Debug("特征提取完成",
		zap.String("symbol", features.Symbol),
		zap.Float64("last_close", features.LastClose),
	)

	return features, nil
}

func buildTrendFeatures(res1h, res4h indicator.Result) TrendFeatures {
	closePrice := clean(res1h.Close)

	return TrendFeatures{
		EMA12:                clean(res1h.EMA12),
		EMA26:                clean(res1h.EMA26),
		EMA50:                clean(res1h.EMA50),
		EMARank:              determineEMARank(res1h.EMA12, res1h.EMA26, res1h.EMA50),
		PriceAboveEMA50:      closePrice > res1h.EMA50,
		MACDValue:            clean(res1h.MACD.Value),
		MACDSignal:           clean(res1h.MACD.Signal),
		MACDHistogram:        clean(res1h.MACD.Histogram),
		MACDHistogramChange:  clean(res1h.MACD.Histogram - res1h.MACD.PrevHistogram),
		HigherTimeframeTrend: determineHigherTimeframeTrend(res4h),
	}
}

func buildMomentumFeatures(res indicator.Result) MomentumFeatures {
	return MomentumFeatures{
		RSIValue:         clean(res.RSI),
		RSIState:         determineRSIState(res.RSI),
		VolumeRatio:      clean(res.Volume.Ratio),
		VolumeDivergence: determineVolumeDivergence(res),
	}
}

func buildVolatilityFeatures(res indicator.Result) VolatilityFeatures {
	recentVol, historicalVol, ratio := computeVolatilityRatios(res.Series.Close)

	return VolatilityFeatures{
		ATRAbsolute:          clean(res.ATR.Absolute),
		ATRRelative:          clean(res.ATR.Relative),
		RecentVolatility:     clean(recentVol),
		HistoricalVolatility: clean(historicalVol),
		VolatilityRatio:      clean(ratio),
	}
}

func buildStructureFeatures(series indicator.Series) StructureFeatures {
	support, resistance := computeSupportResistance(series)
	return StructureFeatures{
		SupportLevel:    clean(support),
		ResistanceLevel: clean(resistance),
		PriceRange:      clean(resistance - support),
	}
}

func determineEMARank(ema12, ema26, ema50 float64) string {
	switch {
	case ema12 > ema26 && ema26 > ema50:
		return "bullish_alignment"
	case ema12 < ema26 && ema26 < ema50:
		return "bearish_alignment"
	default:
		return "mixed_alignment"
	}
}

func determineHigherTimeframeTrend(res indicator.Result) string {
	ema12 := clean(res.EMA12)
	ema26 := clean(res.EMA26)

	switch {
	case ema12 == 0 && ema26 == 0:
		return "unknown"
	case ema12 > ema26:
		return "bullish"
	case ema12 < ema26:
		return "bearish"
	default:
		return "neutral"
	}
}

func determineRSIState(rsi float64) string {
	rsi = clean(rsi)
	switch {
	case rsi >= 70:
		return "overbought"
	case rsi <= 30:
		return "oversold"
	default:
		return "neutral"
	}
}

func determineTrendStrength(adx float64) string {
	adx = clean(adx)
	switch {
	case adx < 20:
		return "range"
	case adx < 25:
		return "transition"
	case adx < 40:
		return "trending"
	default:
		return "strong_trend"
	}
}

func determineVolumeDivergence(res indicator.Result) string {
	priceChange := clean(res.Close - res.PreviousClose)
	volumeRatio := clean(res.Volume.Ratio)

	switch {
	case priceChange > 0 && volumeRatio > 1:
		return "rally_with_volume"
	case priceChange > 0 && volumeRatio <= 1:
		return "rally_without_volume"
	case priceChange < 0 && volumeRatio > 1:
		return "selloff_with_volume"
	case priceChange < 0 && volumeRatio <= 1:
		return "selloff_without_volume"
	default:
		return "neutral"
	}
}

func computeVolatilityRatios(closes []float64) (recent, historical, ratio float64) {
	if len(closes) < 2 {
		return 0, 0, 0
	}

	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		prev := closes[i-1]
		curr := closes[i]
		if prev == 0 {
			continue
		}
		returns = append(returns, (curr/prev)-1)
	}

	if len(returns) == 0 {
		return 0, 0, 0
	}

	recentWindow := minInt(14, len(returns))
	historicalWindow := minInt(60, len(returns))

	recent = stdDev(returns[len(returns)-recentWindow:])
	historical = stdDev(returns[len(returns)-historicalWindow:])
	ratio = indicator.SafeDivide(recent, historical)

	return recent, historical, ratio
}

func computeSupportResistance(series indicator.Series) (float64, float64) {
	window := minInt(50, series.Len())
	if window == 0 {
		return 0, 0
	}

	highs := series.High[series.Len()-window:]
	lows := series.Low[series.Len()-window:]

	resistance := highs[0]
	for _, v := range highs {
		if v > resistance {
			resistance = v
		}
	}

	support := lows[0]
	for _, v := range lows {
		if v < support {
			support = v
		}
	}

	return support, resistance
}

func stdDev(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(n)

	var variance float64
	for _, v := range values {
		diff := v - mean
		variance += diff * diff
	}
	variance /= float64(n)
	return math.Sqrt(variance)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func clean(value float64) float64 {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0
	}
	return value
}
