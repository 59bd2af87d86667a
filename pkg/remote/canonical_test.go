package remote

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type label string

func TestCanonicalize(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		in   any
		want any
	}{
		{"nil", nil, nil},
		{"bool", true, true},
		{"string", "x", "x"},
		{"int", 7, int64(7)},
		{"uint8", uint8(7), int64(7)},
		{"huge uint", uint64(math.MaxUint64), "18446744073709551615"},
		{"float32", float32(1.5), 1.5},
		{"nan", math.NaN(), "NaN"},
		{"inf", math.Inf(1), "Infinity"},
		{"neg inf", math.Inf(-1), "-Infinity"},
		{"json number int", json.Number("12"), int64(12)},
		{"json number float", json.Number("1.25"), 1.25},
		{"named string", label("peek"), "peek"},
		{"time", ts, "2024-05-01T12:00:00Z"},
		{"duration", 1500 * time.Millisecond, "1.5s"},
		{"bytes", []byte("hi"), "aGk="},
		{"error", errors.New("bad"), "bad"},
		{"struct", point{X: 1, Y: 2}, map[string]any{"x": int64(1), "y": int64(2)}},
		{"struct pointer", &point{X: 1}, map[string]any{"x": int64(1), "y": int64(0)}},
		{"nil pointer", (*point)(nil), nil},
		{"raw message", json.RawMessage(`{"a":[1,2.5]}`), map[string]any{"a": []any{int64(1), 2.5}}},
		{"typed slice", []string{"a", "b"}, []any{"a", "b"}},
		{"array", [2]int{1, 2}, []any{int64(1), int64(2)}},
		{"nil slice", []int(nil), nil},
		{"int keys", map[int]string{1: "a"}, map[string]any{"1": "a"}},
		{"nested", map[string]any{"v": []any{math.NaN(), map[string]int{"n": 1}}}, map[string]any{"v": []any{"NaN", map[string]any{"n": int64(1)}}}},
		{"chan", make(chan int), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Canonicalize(tt.in)
			if tt.name == "chan" {
				assert.IsType(t, "", got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCanonicalizeOutputIsJSONSafe(t *testing.T) {
	in := map[string]any{
		"score": math.Inf(1),
		"when":  time.Unix(0, 0),
		"items": []point{{1, 2}},
		"fn":    func() {},
	}

	_, err := json.Marshal(Canonicalize(in))
	assert.NoError(t, err)
}

func TestCanonicalizeCycle(t *testing.T) {
	m := map[string]any{}
	m["self"] = m

	out := Canonicalize(m)
	_, err := json.Marshal(out)
	assert.NoError(t, err)
}
