package driver

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// toFloat coerces common numeric types to float64.
func toFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int16:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint16:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("driver: cannot convert %T to number", v)
	}
}

// toBool coerces a value to a boolean; nonzero numbers are true.
func toBool(v interface{}) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	default:
		f, err := toFloat(v)
		if err != nil {
			return false, err
		}
		return f != 0, nil
	}
}

// isTransportError reports whether an I/O error indicates the connection
// itself is gone (as opposed to a protocol-level exception response).
func isTransportError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"use of closed network connection",
		"i/o timeout",
		"EOF",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
