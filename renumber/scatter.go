package renumber

import (
	"context"
	"fmt"

	"github.com/notargets/meshdist/comm"
	"github.com/notargets/meshdist/fault"
)

// Value is the element type a block scatter can move.
type Value interface {
	int | float64
}

func appendValues[T Value](dst []byte, v []T) []byte {
	switch v := any(v).(type) {
	case []int:
		return comm.AppendInts(dst, v)
	case []float64:
		return comm.AppendFloat64s(dst, v)
	}
	panic("unreachable")
}

func readValues[T Value](b []byte) ([]T, []byte, error) {
	var zero []T
	switch any(zero).(type) {
	case []int:
		v, rest, err := comm.ReadInts(b)
		return any(v).([]T), rest, err
	case []float64:
		v, rest, err := comm.ReadFloat64s(b)
		return any(v).([]T), rest, err
	}
	panic("unreachable")
}

// Scatter executes plan on src, a local array of blocks of bs values each, and
// returns the blocks this rank owns under plan.Layout, in global slot order.
// Collective. Each destination receives the slots it must fill followed by
// the values; anything other than exactly one block per owned slot is a
// fault.KindPlanMismatch error.
func Scatter[T Value](ctx context.Context, c comm.Communicator, plan *Plan, tag int, src []T, bs int) ([]T, error) {
	size, me := c.Size(), c.Rank()
	if plan.Layout.Size() != size {
		return nil, fault.Errorf(fault.KindPlanMismatch, "scatter", "plan spans %d ranks, world has %d", plan.Layout.Size(), size)
	}
	send := make([][]byte, size)
	for d := range send {
		picks := plan.Pick[d]
		vals := make([]T, 0, bs*len(picks))
		for _, i := range picks {
			if i < 0 || bs*(i+1) > len(src) {
				return nil, fault.Errorf(fault.KindPlanMismatch, "scatter", "pick %d outside %d local blocks", i, len(src)/bs)
			}
			vals = append(vals, src[bs*i:bs*(i+1)]...)
		}
		b := comm.AppendInts(make([]byte, 0, 16+8*(len(picks)+len(vals))), plan.Place[d])
		send[d] = appendValues(b, vals)
	}
	recv, err := comm.AllToAll(ctx, c, tag, send)
	if err != nil {
		return nil, err
	}

	start, count := plan.Layout.Start(me), plan.Layout.Count(me)
	out := make([]T, bs*count)
	filled := make([]bool, count)
	got := 0
	for s, b := range recv {
		places, rest, err := comm.ReadInts(b)
		if err != nil {
			return nil, fmt.Errorf("scatter from rank %d: %w", s, err)
		}
		vals, rest, err := readValues[T](rest)
		if err != nil {
			return nil, fmt.Errorf("scatter from rank %d: %w", s, err)
		}
		if len(rest) != 0 || len(vals) != bs*len(places) {
			return nil, fault.Errorf(fault.KindPlanMismatch, "scatter", "rank %d sent %d values for %d slots", s, len(vals), len(places))
		}
		for k, slot := range places {
			j := slot - start
			if j < 0 || j >= count {
				return nil, fault.Errorf(fault.KindPlanMismatch, "scatter", "rank %d sent slot %d, this rank owns [%d,%d)", s, slot, start, start+count)
			}
			if filled[j] {
				return nil, fault.Errorf(fault.KindPlanMismatch, "scatter", "slot %d filled twice", slot)
			}
			filled[j] = true
			copy(out[bs*j:bs*(j+1)], vals[bs*k:bs*(k+1)])
		}
		got += len(places)
	}
	if got != count {
		return nil, fault.Errorf(fault.KindPlanMismatch, "scatter", "received %d blocks, expected %d", got, count)
	}
	return out, nil
}
