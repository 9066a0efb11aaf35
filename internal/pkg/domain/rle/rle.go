// Package rle implements the per-variable online run-length compiler
// that turns a stream of (index, value) points into the compact
// textual series form `v1*k1,v2*k2,...` history endpoints return.
package rle

import (
	"strconv"
	"strings"
)

// run is one closed (value, length) pair pending emission.
type run struct {
	value  string
	length int
}

// Compiler is the common, string-valued run-length compiler C5
// describes: append-only, single pass, minimum-run backtracking.
// FloatCompiler wraps it to add EMA smoothing and quantization for
// numeric series.
type Compiler struct {
	runs         []run
	pendingCount int
	lastIndex    int
	lastValue    string
	savedLength  int
	hasError     bool
	minRunLength int
}

// NewCompiler returns a compiler with minRunLength 1 (every value
// change is recorded). Use CompilerBuilder to configure a longer
// minimum run.
func NewCompiler() *Compiler {
	c := &Compiler{minRunLength: 1}
	c.Clear()
	return c
}

// Clear empties all accumulated state, as if newly created.
func (c *Compiler) Clear() {
	c.runs = nil
	c.pendingCount = 0
	c.lastIndex = -1
	c.lastValue = ""
	c.savedLength = 0
	c.hasError = false
}

// HasError reports whether the compiler rejected an out-of-range close
// and discarded its state.
func (c *Compiler) HasError() bool { return c.hasError }

// IsEmpty reports whether any point has ever been added.
func (c *Compiler) IsEmpty() bool { return c.lastIndex < 0 }

// AddPoint records one sample at the given index (seconds from period
// start, monotonically non-decreasing). Re-adding at the same index
// overwrites the pending point; an index strictly before the last one
// recorded is silently rejected, matching C5's "reject" contract
// (malformed points are counted by the caller, not raised here).
func (c *Compiler) AddPoint(index int, value string, toleranceTime int) {
	if c.hasError {
		return
	}

	// The gap that triggers a closed absent run can never be shorter
	// than the minimum run length itself, or a legitimate steady run
	// would be chopped into noise by an aggressive tolerance.
	if c.minRunLength > toleranceTime {
		toleranceTime = c.minRunLength
	}

	if index < 0 || index < c.lastIndex {
		return
	}

	if index == c.lastIndex {
		if c.pendingCount > 0 {
			c.pendingCount--
			c.lastIndex--
		}
	}

	if delta := index - c.lastIndex; delta >= toleranceTime && c.lastValue != "" {
		c.closeRun()
		c.lastValue = ""
		c.pendingCount = index - c.savedLength
		c.lastIndex = index - 1
	}

	delta := index - c.lastIndex
	if value == c.lastValue {
		c.lastIndex = index
		c.pendingCount += delta
		return
	}

	if delta > 0 {
		c.lastIndex = index - 1
		c.pendingCount += delta - 1
	}
	c.closeRun()
	c.lastValue = value
	c.lastIndex = index
	c.pendingCount = 1
}

// closeRun flushes the pending run, folding it into the previous run
// (backtracking) if it is shorter than minRunLength -- the "min-run
// filter" that suppresses spurious single-sample flips. A pending run
// with the same value as the previous run (as after such a fold) is
// merged into it as well, so a suppressed flip leaves one run.
func (c *Compiler) closeRun() {
	if c.pendingCount == 0 {
		return
	}

	if n := len(c.runs); n > 0 && (c.pendingCount < c.minRunLength || c.runs[n-1].value == c.lastValue) {
		c.runs[n-1].length += c.pendingCount
		c.savedLength += c.pendingCount
		c.pendingCount = 0
		return
	}

	c.runs = append(c.runs, run{value: c.lastValue, length: c.pendingCount})
	c.savedLength += c.pendingCount
	c.pendingCount = 0
}

// Close forces the final index to periodLength-1 with an absent value
// and emits the compiled series string. Runs of length 1 serialize as
// just the value; longer runs as `value*length`; absent values
// serialize as the empty string, so an absent run reads as `*120`.
func (c *Compiler) Close(periodLength int) string {
	c.closePeriod(periodLength)
	return c.render()
}

func (c *Compiler) closePeriod(periodLength int) {
	if c.hasError {
		return
	}
	if c.lastIndex >= periodLength {
		c.Clear()
		c.hasError = true
		return
	}
	if c.lastIndex < 0 {
		return
	}
	if c.lastIndex < periodLength-1 {
		c.AddPoint(periodLength-1, "", 1)
	}
}

func (c *Compiler) render() string {
	if c.hasError || c.lastIndex < 0 {
		return ""
	}
	c.closeRun()

	parts := make([]string, 0, len(c.runs))
	for _, r := range c.runs {
		switch {
		case r.length == 0:
			continue
		case r.length == 1:
			parts = append(parts, r.value)
		default:
			parts = append(parts, r.value+"*"+strconv.Itoa(r.length))
		}
	}
	c.runs = nil
	return strings.Join(parts, ",")
}
