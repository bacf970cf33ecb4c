package tools

import (
	"context"
	"errors"
	"math"
)

var errDivisionByZero = errors.New("division by zero")

type binaryInput struct {
	A float64 `json:"a" jsonschema:"first operand"`
	B float64 `json:"b" jsonschema:"second operand"`
}

type unaryInput struct {
	X float64 `json:"x" jsonschema:"operand"`
}

type angleInput struct {
	X float64 `json:"x" jsonschema:"angle in radians"`
}

type powerInput struct {
	Base     float64 `json:"base" jsonschema:"the base"`
	Exponent float64 `json:"exponent" jsonschema:"the exponent"`
}

type factorialInput struct {
	N int `json:"n" jsonschema:"non-negative integer, at most 170"`
}

// MathTools returns the built-in arithmetic tools.
func MathTools() []*Tool {
	return []*Tool{
		MustFunc("add", "Add two numbers", CategoryMath, func(_ context.Context, in binaryInput) (float64, error) {
			return in.A + in.B, nil
		}),
		MustFunc("subtract", "Subtract b from a", CategoryMath, func(_ context.Context, in binaryInput) (float64, error) {
			return in.A - in.B, nil
		}),
		MustFunc("multiply", "Multiply two numbers", CategoryMath, func(_ context.Context, in binaryInput) (float64, error) {
			return in.A * in.B, nil
		}),
		MustFunc("divide", "Divide a by b", CategoryMath, func(_ context.Context, in binaryInput) (float64, error) {
			if in.B == 0 {
				return 0, errDivisionByZero
			}
			return in.A / in.B, nil
		}),
		MustFunc("remainder", "Remainder of a divided by b", CategoryMath, func(_ context.Context, in binaryInput) (float64, error) {
			if in.B == 0 {
				return 0, errDivisionByZero
			}
			return math.Mod(in.A, in.B), nil
		}),
		MustFunc("power", "Raise base to exponent", CategoryMath, func(_ context.Context, in powerInput) (float64, error) {
			return math.Pow(in.Base, in.Exponent), nil
		}),
		MustFunc("cbrt", "Cube root of x", CategoryMath, func(_ context.Context, in unaryInput) (float64, error) {
			return math.Cbrt(in.X), nil
		}),
		MustFunc("factorial", "Factorial of n", CategoryMath, func(_ context.Context, in factorialInput) (float64, error) {
			return factorial(in.N)
		}),
		MustFunc("sin", "Sine of x", CategoryMath, func(_ context.Context, in angleInput) (float64, error) {
			return math.Sin(in.X), nil
		}),
		MustFunc("cos", "Cosine of x", CategoryMath, func(_ context.Context, in angleInput) (float64, error) {
			return math.Cos(in.X), nil
		}),
		MustFunc("tan", "Tangent of x", CategoryMath, func(_ context.Context, in angleInput) (float64, error) {
			return math.Tan(in.X), nil
		}),
	}
}

func factorial(n int) (float64, error) {
	if n < 0 || n > 170 {
		return 0, errors.New("factorial argument out of range")
	}
	r := 1.0
	for i := 2; i <= n; i++ {
		r *= float64(i)
	}
	return r, nil
}
