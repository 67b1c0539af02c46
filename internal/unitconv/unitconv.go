// Package unitconv computes factor+offset conversions between native
// device units and MTConnect canonical units (spec.md §4.6). The table
// and the prefix/exponent parsing are ported algorithm-for-algorithm
// from the original unit_conversion.cpp, since this is a closed,
// enumerable table with no idiomatic Go reinterpretation to offer.
package unitconv

import (
	"math"
	"strconv"
	"strings"
)

// Conversion is a factor+offset pair: target = native*Factor + Offset.
type Conversion struct {
	Factor float64
	Offset float64
}

// Apply converts one native value to its target representation.
func (c Conversion) Apply(native float64) float64 {
	return native*c.Factor + c.Offset
}

// table holds the base conversions between specific unit pairs, keyed
// "FROM-TO". Based on unit_conversion.cpp's m_conversions, with offsets
// expressed for the native*Factor + Offset form and MILLIMETER-INCH
// added as the inverse of INCH-MILLIMETER.
var table = map[string]Conversion{
	"INCH-MILLIMETER":      {Factor: 25.4},
	"MILLIMETER-INCH":      {Factor: 1.0 / 25.4},
	"FOOT-MILLIMETER":      {Factor: 304.8},
	"CENTIMETER-MILLIMETER": {Factor: 10.0},
	"DECIMETER-MILLIMETER": {Factor: 100.0},
	"METER-MILLIMETER":     {Factor: 1000.0},
	"FAHRENHEIT-CELSIUS":   {Factor: 5.0 / 9.0, Offset: -32.0 * 5.0 / 9.0},
	"POUND-GRAM":           {Factor: 453.59237},
	"GRAM-KILOGRAM":        {Factor: 1.0 / 1000.0},
	"RADIAN-DEGREE":        {Factor: 57.2957795},
	"SECOND-MINUTE":        {Factor: 1.0 / 60.0},
	"MINUTE-SECOND":        {Factor: 60.0},
	"POUND/INCH^2-PASCAL":  {Factor: 6894.76},
	"HOUR-SECOND":          {Factor: 3600.0},
}

// scaleAndPower parses a leading KILO prefix (scale x1000), a leading
// CUBIC_ prefix (power 3), or a trailing ^n exponent, and returns the
// remaining bare unit string alongside the parsed scale/power. At most
// one of these forms applies; this mirrors unit_conversion.cpp's
// scaleAndPower exactly, including its if/else-if precedence.
func scaleAndPower(unit string) (rest string, scale, power float64) {
	scale, power = 1.0, 1.0
	switch {
	case strings.HasPrefix(unit, "KILO"):
		scale = 1000
		rest = unit[4:]
	case strings.HasPrefix(unit, "CUBIC_"):
		power = 3.0
		rest = unit[6:]
	default:
		if i := strings.IndexByte(unit, '^'); i >= 0 {
			if p, err := strconv.ParseFloat(unit[i+1:], 64); err == nil {
				power = p
			}
			rest = unit[:i]
		} else {
			rest = unit
		}
	}
	return rest, scale, power
}

// Make computes the conversion from native to target units, or nil if
// from == to (identity, no conversion needed) or the pair cannot be
// reconciled. This follows unit_conversion.cpp's UnitConversion::make
// algorithm: direct table lookup first, then _3D suffix reconciliation,
// then either simple scale/power comparison or recursive composite
// (numerator/denominator) resolution.
func Make(from, to string) *Conversion {
	if from == to {
		return nil
	}

	if c, ok := table[from+"-"+to]; ok {
		cp := c
		return &cp
	}

	source, target := from, to
	t3D := strings.HasSuffix(target, "_3D")
	s3D := strings.HasSuffix(source, "_3D")
	switch {
	case t3D && s3D:
		source = strings.TrimSuffix(source, "_3D")
		target = strings.TrimSuffix(target, "_3D")
	case t3D || s3D:
		return nil
	}

	sSlash := strings.IndexByte(source, '/')
	tSlash := strings.IndexByte(target, '/')

	switch {
	case sSlash < 0 && tSlash < 0:
		return makeSimple(source, target)
	case sSlash < 0 || tSlash < 0:
		return nil
	default:
		sNum, sDen := source[:sSlash], source[sSlash+1:]
		tNum, tDen := target[:tSlash], target[tSlash+1:]

		num := Make(sNum, tNum)
		den := Make(sDen, tDen)
		n, d := 1.0, 1.0
		if num != nil {
			n = num.Factor
		}
		if den != nil {
			d = den.Factor
		}
		return &Conversion{Factor: n / d}
	}
}

func makeSimple(source, target string) *Conversion {
	sRest, sScale, sPower := scaleAndPower(source)
	tRest, tScale, tPower := scaleAndPower(target)

	if sPower != tPower {
		return nil
	}

	factor := sScale / tScale
	offset := 0.0

	if c, ok := table[sRest+"-"+tRest]; ok {
		factor *= c.Factor
		offset = c.Offset
	} else if factor == 1.0 {
		return nil
	}

	if tPower != 1.0 {
		factor = math.Pow(factor, tPower)
	}

	return &Conversion{Factor: factor, Offset: offset}
}

// ApplyVector converts every element of a time-series/vector value
// element-wise, per spec.md §4.6.
func ApplyVector(c *Conversion, values []float64) []float64 {
	if c == nil {
		return values
	}
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = c.Apply(v)
	}
	return out
}
