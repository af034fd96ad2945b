package comm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"kernel-rpc/message"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dispatch(t *testing.T, r *CallRegistry, name string, args []any, kwargs map[string]any) (any, error) {
	t.Helper()
	return r.Dispatch(context.Background(), &message.Invocation{Name: name, Args: args, Kwargs: kwargs})
}

func TestRegisterReplacesAndUnregisters(t *testing.T) {
	r := NewCallRegistry()
	r.Register("v", func(context.Context, *message.Invocation) (any, error) { return 1, nil })
	r.Register("v", func(context.Context, *message.Invocation) (any, error) { return 2, nil })

	v, err := dispatch(t, r, "v", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	r.Register("v", nil)
	_, err = dispatch(t, r, "v", nil, nil)
	assert.ErrorIs(t, err, ErrUnknownRemoteCall)
	assert.Empty(t, r.Names())
}

func TestFuncShapes(t *testing.T) {
	type point struct {
		X, Y int
	}

	tests := []struct {
		name   string
		fn     any
		args   []any
		kwargs map[string]any
		want   any
	}{
		{"no results", func() {}, nil, nil, nil},
		{"value", func(a, b int) int { return a + b }, []any{int64(2), int64(3)}, nil, 5},
		{"float to int", func(a int) int { return a * 2 }, []any{21.0}, nil, 42},
		{"context", func(ctx context.Context, s string) string { return s }, []any{"x"}, nil, "x"},
		{"kwargs", func(a int, kw map[string]any) any { return kw["k"] }, []any{int64(1)}, map[string]any{"k": "v"}, "v"},
		{"variadic", func(xs ...int) int { return len(xs) }, []any{int64(1), int64(2), int64(3)}, nil, 3},
		{"struct", func(p point) int { return p.X + p.Y }, []any{map[string]any{"X": int64(1), "Y": int64(2)}}, nil, 3},
		{"slice", func(xs []string) int { return len(xs) }, []any{[]any{"a", "b"}}, nil, 2},
		{"nil error", func() error { return nil }, nil, nil, nil},
		{"value and error", func() (string, error) { return "ok", nil }, nil, nil, "ok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := Func(tt.fn)
			require.NoError(t, err)
			v, err := h(context.Background(), &message.Invocation{Name: tt.name, Args: tt.args, Kwargs: tt.kwargs})
			require.NoError(t, err)
			assert.Equal(t, tt.want, v)
		})
	}
}

func TestFuncRejects(t *testing.T) {
	_, err := Func(42)
	assert.Error(t, err)
	_, err = Func(func() (int, int) { return 0, 0 })
	assert.Error(t, err)
	_, err = Func(func() (int, error, bool) { return 0, nil, false })
	assert.Error(t, err)

	h, err := Func(func(a int) int { return a })
	require.NoError(t, err)
	_, err = h(context.Background(), &message.Invocation{Name: "f", Args: []any{}})
	assert.ErrorContains(t, err, "want 1 arguments, got 0")
	_, err = h(context.Background(), &message.Invocation{Name: "f", Args: []any{int64(1)}, Kwargs: map[string]any{"x": 1}})
	assert.ErrorContains(t, err, "unexpected keyword arguments")
	_, err = h(context.Background(), &message.Invocation{Name: "f", Args: []any{"nan"}})
	assert.Error(t, err)
}

func TestFuncRejectsLossyNumbers(t *testing.T) {
	var seen []any
	h, err := Func(func(n int, u uint8, f float32) { seen = append(seen, n, u, f) })
	require.NoError(t, err)

	tests := []struct {
		name string
		args []any
		arg  int
	}{
		{"fraction to int", []any{2.9, int64(1), 1.0}, 0},
		{"negative to uint", []any{int64(1), int64(-1), 1.0}, 1},
		{"wraps uint8", []any{int64(1), int64(300), 1.0}, 1},
		{"float out of uint8 range", []any{int64(1), 256.0, 1.0}, 1},
		{"NaN to int", []any{math.NaN(), int64(1), 1.0}, 0},
		{"infinity to int", []any{math.Inf(1), int64(1), 1.0}, 0},
		{"overflows float32", []any{int64(1), int64(1), 1e300}, 2},
		{"huge uint to int", []any{uint64(math.MaxUint64), int64(1), 1.0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h(context.Background(), &message.Invocation{Name: "f", Args: tt.args})
			assert.ErrorContains(t, err, fmt.Sprintf("argument %d:", tt.arg))
			assert.ErrorContains(t, err, "does not fit in")
		})
	}
	assert.Empty(t, seen)

	_, err = h(context.Background(), &message.Invocation{Name: "f", Args: []any{3.0, int64(255), int64(2)}})
	require.NoError(t, err)
	assert.Equal(t, []any{3, uint8(255), float32(2)}, seen)
}

func TestDispatchWrapsHandlerErrors(t *testing.T) {
	r := NewCallRegistry()
	sentinel := errors.New("bad input")
	require.NoError(t, r.RegisterFunc("fail", func() error { return sentinel }))

	_, err := dispatch(t, r, "fail", nil, nil)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "fail", re.CallName)
	assert.Equal(t, "bad input", re.Message)
	assert.ErrorIs(t, err, ErrRemoteHandler)
}

type calculator struct{ calls int }

func (c *calculator) Add(a, b int) int {
	c.calls++
	return a + b
}

func (c *calculator) Div(a, b float64) (float64, error) {
	if b == 0 {
		return 0, errors.New("division by zero")
	}
	return a / b, nil
}

func TestRegisterService(t *testing.T) {
	r := NewCallRegistry()
	calc := &calculator{}
	require.NoError(t, r.RegisterService(calc))
	assert.Equal(t, []string{"calculator.Add", "calculator.Div"}, r.Names())

	v, err := dispatch(t, r, "calculator.Add", []any{int64(1), int64(2)}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, v)
	assert.Equal(t, 1, calc.calls)

	_, err = dispatch(t, r, "calculator.Div", []any{1.0, 0.0}, nil)
	assert.ErrorContains(t, err, "division by zero")

	assert.Error(t, r.RegisterService(calculator{}))
	assert.Error(t, r.RegisterService(new(int)))
}
