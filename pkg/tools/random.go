package tools

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
)

// RandomNumber draws a uniformly distributed integer in [min, max].
type RandomNumber struct{}

// NewRandomNumber returns the random number tool.
func NewRandomNumber() *RandomNumber { return &RandomNumber{} }

func (RandomNumber) Descriptor() Descriptor {
	name := "Random Number Generator"
	return Descriptor{
		ID:          ToolID(name),
		Name:        name,
		Description: "Generate a random number",
		Parameters: []ParameterSpec{
			{Name: "min", Description: "Smallest number to return", Type: TypeNumber, Optional: true},
			{Name: "max", Description: "Largest number to return", Type: TypeNumber, Optional: true},
		},
	}
}

func (RandomNumber) Run(ctx context.Context, _ RunContext, params []Parameter) (any, error) {
	lo, err := numberParam(params, "min", 0)
	if err != nil {
		return nil, err
	}
	hi, err := numberParam(params, "max", math.MaxUint32)
	if err != nil {
		return nil, err
	}
	if hi < lo {
		return nil, fmt.Errorf("max %v is smaller than min %v", hi, lo)
	}

	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}
	fraction := float64(binary.BigEndian.Uint32(buf[:])) / math.MaxUint32
	return int64(math.Round(fraction*(hi-lo) + lo)), nil
}

// numberParam reads a numeric parameter, accepting numbers and numeric strings.
func numberParam(params []Parameter, name string, fallback float64) (float64, error) {
	v, ok := Lookup(params, name)
	if !ok || v == nil {
		return fallback, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("parameter %s: %q is not a number", name, n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("parameter %s: unsupported value %v", name, v)
	}
}
