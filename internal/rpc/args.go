package rpc

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

// ErrBadArgument is returned by the Args accessors when a key is missing or has the wrong type
var ErrBadArgument = errors.New("bad argument")

// Args are the named parameters of a call
type Args map[string]any

// String returns a string argument
func (a Args) String(key string) (string, error) {
	v, ok := a[key]
	if !ok {
		return "", fmt.Errorf("%w: missing %s", ErrBadArgument, key)
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case float64:
		// Unquoted numeric ids arrive as numbers
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	}
	return "", fmt.Errorf("%w: %s is not a string", ErrBadArgument, key)
}

// Ints returns a list of integers
func (a Args) Ints(key string) ([]int, error) {
	v, ok := a[key]
	if !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrBadArgument, key)
	}
	switch t := v.(type) {
	case []int:
		return t, nil
	case []any:
		out := make([]int, 0, len(t))
		for _, e := range t {
			n, ok := toInt(e)
			if !ok {
				return nil, fmt.Errorf("%w: %s has a non-integer element", ErrBadArgument, key)
			}
			out = append(out, n)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s is not a list", ErrBadArgument, key)
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case float64:
		if t != math.Trunc(t) {
			return 0, false
		}
		return int(t), true
	case string:
		n, err := strconv.Atoi(t)
		return n, err == nil
	}
	return 0, false
}
