package util

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// ToFloat accepts JSON numbers, numeric strings and ints. ok is false for
// anything else, including NaN and infinities.
func ToFloat(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case uint16:
		f = float64(x)
	case json.Number:
		n, err := x.Float64()
		if err != nil {
			return 0, false
		}
		f = n
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(strings.ReplaceAll(x, ",", ".")), 64)
		if err != nil {
			return 0, false
		}
		f = n
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// FloatOrNaN is ToFloat with NaN standing in for "not a number".
func FloatOrNaN(v any) float64 {
	if f, ok := ToFloat(v); ok {
		return f
	}
	return math.NaN()
}

func ToInt(v any) (int, bool) {
	f, ok := ToFloat(v)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

// ToBool accepts bools, 0/1 and on/off style strings.
func ToBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "1", "true", "on", "yes":
			return true, true
		case "0", "false", "off", "no":
			return false, true
		}
		return false, false
	}
	if f, ok := ToFloat(v); ok {
		return f != 0, true
	}
	return false, false
}
