package telemetry

import "sort"

// saturationPoint is one (pressure bar, saturation temperature degC)
// anchor on a refrigerant's bubble-point curve.
type saturationPoint struct {
	bar, degC float64
}

// saturationTables holds a coarse piecewise-linear approximation of
// each supported refrigerant's saturation curve, keyed the same way
// pressure.go's fluid-dependent thresholds are: lowercase identifiers
// like "r410a", "r32", "r404a", "r22". Values are anchored at round
// bar/degC points along the published P-T charts for each fluid and
// linearly interpolated between them; outside the table's domain the
// lookup is absent rather than extrapolated, per spec.md §4.4.
var saturationTables = map[string][]saturationPoint{
	"r410a": {
		{bar: 4.0, degC: -18.0},
		{bar: 6.0, degC: -7.0},
		{bar: 8.0, degC: 1.0},
		{bar: 10.0, degC: 8.0},
		{bar: 12.0, degC: 14.0},
		{bar: 16.0, degC: 23.0},
		{bar: 20.0, degC: 31.0},
		{bar: 28.0, degC: 44.0},
		{bar: 35.0, degC: 53.0},
	},
	"r32": {
		{bar: 4.0, degC: -15.0},
		{bar: 6.0, degC: -3.0},
		{bar: 8.0, degC: 6.0},
		{bar: 10.0, degC: 13.0},
		{bar: 12.0, degC: 19.0},
		{bar: 16.0, degC: 29.0},
		{bar: 20.0, degC: 37.0},
		{bar: 28.0, degC: 51.0},
		{bar: 35.0, degC: 61.0},
	},
	"r404a": {
		{bar: 3.0, degC: -23.0},
		{bar: 5.0, degC: -10.0},
		{bar: 7.0, degC: -1.0},
		{bar: 9.0, degC: 6.0},
		{bar: 12.0, degC: 14.0},
		{bar: 16.0, degC: 23.0},
		{bar: 20.0, degC: 30.0},
		{bar: 25.0, degC: 38.0},
	},
	"r22": {
		{bar: 2.0, degC: -22.0},
		{bar: 4.0, degC: -7.0},
		{bar: 6.0, degC: 3.0},
		{bar: 8.0, degC: 11.0},
		{bar: 10.0, degC: 18.0},
		{bar: 14.0, degC: 29.0},
		{bar: 18.0, degC: 38.0},
		{bar: 24.0, degC: 48.0},
	},
}

// SaturationTemp returns the refrigerant's saturation temperature at
// the given pressure (bar), or absent if the fluid is unknown or the
// pressure falls outside that fluid's tabulated domain.
func SaturationTemp(fluid string, bar float64) (float64, bool) {
	table, ok := saturationTables[fluid]
	if !ok || len(table) < 2 {
		return 0, false
	}
	if bar < table[0].bar || bar > table[len(table)-1].bar {
		return 0, false
	}

	i := sort.Search(len(table), func(i int) bool { return table[i].bar >= bar })
	if i < len(table) && table[i].bar == bar {
		return table[i].degC, true
	}
	// i is the index of the first anchor with bar strictly greater than
	// the target; interpolate between i-1 and i.
	lo, hi := table[i-1], table[i]
	frac := (bar - lo.bar) / (hi.bar - lo.bar)
	return lo.degC + frac*(hi.degC-lo.degC), true
}
