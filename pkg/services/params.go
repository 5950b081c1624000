package services

import (
	"fmt"
	"strconv"
)

// Parameters configure a service instance. Values come from configuration
// files, so numbers may arrive as int, int64, float64 or string.
type Parameters map[string]any

func (p Parameters) clone() Parameters {
	if p == nil {
		return Parameters{}
	}
	out := make(Parameters, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// String returns the parameter as a string, or def when absent.
func (p Parameters) String(key, def string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	return fmt.Sprint(v)
}

// Float returns the parameter as a float64, or def when absent.
func (p Parameters) Float(key string, def float64) (float64, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("parameter %q: %w", key, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("parameter %q: expected a number, got %T", key, v)
	}
}

// Int returns the parameter as an int, or def when absent.
func (p Parameters) Int(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("parameter %q: expected an integer, got %v", key, n)
		}
		return int(n), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("parameter %q: %w", key, err)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("parameter %q: expected an integer, got %T", key, v)
	}
}
