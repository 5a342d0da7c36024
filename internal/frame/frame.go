// Package frame provides a columnar candle series with prefix-bounded views.
//
// A Frame holds one (symbol, interval) series: OHLCV columns plus any
// indicator columns a strategy precomputes. A View exposes a prefix of the
// frame ending at a movable last-visible index; every accessor is relative
// to that index, so a per-bar signal step cannot observe future rows.
package frame

import (
	"fmt"
	"math"
	"time"

	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

// Frame is a column-major candle series. Columns are fixed-length and
// aligned by bar index.
type Frame struct {
	symbol   string
	interval types.Interval

	times  []time.Time
	open   []float64
	high   []float64
	low    []float64
	closes []float64
	volume []float64

	cols  map[string][]float64
	order []string
}

// New builds a frame from candles. Candle prices are converted to float64
// once here; all vectorised math downstream is float.
func New(symbol string, interval types.Interval, candles []types.Candle) *Frame {
	n := len(candles)
	f := &Frame{
		symbol:   symbol,
		interval: interval,
		times:    make([]time.Time, n),
		open:     make([]float64, n),
		high:     make([]float64, n),
		low:      make([]float64, n),
		closes:   make([]float64, n),
		volume:   make([]float64, n),
		cols:     make(map[string][]float64),
	}
	for i, c := range candles {
		f.times[i] = c.OpenTime
		f.open[i] = c.Open.InexactFloat64()
		f.high[i] = c.High.InexactFloat64()
		f.low[i] = c.Low.InexactFloat64()
		f.closes[i] = c.Close.InexactFloat64()
		f.volume[i] = c.Volume.InexactFloat64()
	}
	return f
}

// NewFromSeries builds a frame directly from float columns, all of equal length.
func NewFromSeries(symbol string, interval types.Interval, times []time.Time, open, high, low, closes, volume []float64) (*Frame, error) {
	n := len(times)
	for _, col := range [][]float64{open, high, low, closes, volume} {
		if len(col) != n {
			return nil, fmt.Errorf("frame: column length %d does not match %d rows", len(col), n)
		}
	}
	return &Frame{
		symbol:   symbol,
		interval: interval,
		times:    times,
		open:     open,
		high:     high,
		low:      low,
		closes:   closes,
		volume:   volume,
		cols:     make(map[string][]float64),
	}, nil
}

func (f *Frame) Symbol() string           { return f.symbol }
func (f *Frame) Interval() types.Interval { return f.interval }
func (f *Frame) Len() int                 { return len(f.times) }

// AddColumn registers an indicator column. The column must cover every bar;
// warm-up regions are expected to hold NaN.
func (f *Frame) AddColumn(name string, values []float64) error {
	if len(values) != f.Len() {
		return fmt.Errorf("frame: column %q has %d values, frame has %d bars", name, len(values), f.Len())
	}
	if _, exists := f.cols[name]; !exists {
		f.order = append(f.order, name)
	}
	f.cols[name] = values
	return nil
}

// HasColumn reports whether an indicator column exists.
func (f *Frame) HasColumn(name string) bool {
	_, ok := f.cols[name]
	return ok
}

// Columns returns indicator column names in registration order.
func (f *Frame) Columns() []string {
	out := make([]string, len(f.order))
	copy(out, f.order)
	return out
}

func (f *Frame) Time(i int) time.Time { return f.times[i] }
func (f *Frame) Open(i int) float64   { return f.open[i] }
func (f *Frame) High(i int) float64   { return f.high[i] }
func (f *Frame) Low(i int) float64    { return f.low[i] }
func (f *Frame) Close(i int) float64  { return f.closes[i] }
func (f *Frame) Volume(i int) float64 { return f.volume[i] }

// Value returns an indicator cell, or NaN when the column is missing.
func (f *Frame) Value(name string, i int) float64 {
	col, ok := f.cols[name]
	if !ok {
		return math.NaN()
	}
	return col[i]
}

// View returns a prefix view whose last visible bar is index last.
func (f *Frame) View(last int) (*View, error) {
	if last < 0 || last >= f.Len() {
		return nil, fmt.Errorf("frame: view index %d out of range [0,%d)", last, f.Len())
	}
	return &View{f: f, last: last}, nil
}

// View is a read-only prefix of a Frame. All accessors take an offset
// counted back from the last visible bar: offset 0 is the newest visible
// row, offset 1 the one before it. Offsets beyond the prefix yield NaN
// (or a zero time), so future rows are unreachable by construction.
type View struct {
	f    *Frame
	last int
}

// Len returns the number of visible bars.
func (v *View) Len() int { return v.last + 1 }

// Index returns the absolute index of the last visible bar.
func (v *View) Index() int { return v.last }

// Advance moves the view forward one bar. Returns false at the end of the frame.
func (v *View) Advance() bool {
	if v.last+1 >= v.f.Len() {
		return false
	}
	v.last++
	return true
}

func (v *View) inRange(offset int) (int, bool) {
	if offset < 0 {
		return 0, false
	}
	i := v.last - offset
	if i < 0 {
		return 0, false
	}
	return i, true
}

// Time returns the open time at the given offset back from the last visible bar.
func (v *View) Time(offset int) time.Time {
	i, ok := v.inRange(offset)
	if !ok {
		return time.Time{}
	}
	return v.f.times[i]
}

func (v *View) Open(offset int) float64 {
	i, ok := v.inRange(offset)
	if !ok {
		return math.NaN()
	}
	return v.f.open[i]
}

func (v *View) High(offset int) float64 {
	i, ok := v.inRange(offset)
	if !ok {
		return math.NaN()
	}
	return v.f.high[i]
}

func (v *View) Low(offset int) float64 {
	i, ok := v.inRange(offset)
	if !ok {
		return math.NaN()
	}
	return v.f.low[i]
}

func (v *View) Close(offset int) float64 {
	i, ok := v.inRange(offset)
	if !ok {
		return math.NaN()
	}
	return v.f.closes[i]
}

func (v *View) Volume(offset int) float64 {
	i, ok := v.inRange(offset)
	if !ok {
		return math.NaN()
	}
	return v.f.volume[i]
}

// Value returns an indicator cell at the given offset, NaN when out of range
// or the column does not exist.
func (v *View) Value(name string, offset int) float64 {
	i, ok := v.inRange(offset)
	if !ok {
		return math.NaN()
	}
	return v.f.Value(name, i)
}

// Tail copies the newest n visible values of a column, oldest first.
// Fewer than n values are returned near the start of the series.
func (v *View) Tail(name string, n int) []float64 {
	if n <= 0 {
		return nil
	}
	start := v.last - n + 1
	if start < 0 {
		start = 0
	}
	out := make([]float64, 0, v.last-start+1)
	for i := start; i <= v.last; i++ {
		out = append(out, v.f.Value(name, i))
	}
	return out
}

// TailLow copies the newest n visible lows, oldest first.
func (v *View) TailLow(n int) []float64 {
	return v.tailBase(v.f.low, n)
}

// TailHigh copies the newest n visible highs, oldest first.
func (v *View) TailHigh(n int) []float64 {
	return v.tailBase(v.f.high, n)
}

// TailClose copies the newest n visible closes, oldest first.
func (v *View) TailClose(n int) []float64 {
	return v.tailBase(v.f.closes, n)
}

func (v *View) tailBase(col []float64, n int) []float64 {
	if n <= 0 {
		return nil
	}
	start := v.last - n + 1
	if start < 0 {
		start = 0
	}
	out := make([]float64, v.last-start+1)
	copy(out, col[start:v.last+1])
	return out
}
