package l1

import (
	"testing"
	"time"

	"github.com/matryer/is"
)

func ts(seconds int) time.Time {
	return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(seconds) * time.Second)
}

func TestStateRejectsOutOfOrderSamplesWithoutMutatingState(t *testing.T) {
	is := is.New(t)

	strat := &constTri{value: On}
	st := NewState(strat)

	_, err := st.Step(Sample{Ts: ts(10)}, nil)
	is.NoErr(err)
	stepsAfterFirst := strat.steps

	_, err = st.Step(Sample{Ts: ts(5)}, nil)
	is.Equal(err, ErrTimeMovedBackward)
	is.Equal(strat.steps, stepsAfterFirst) // the strategy must not have been stepped

	_, err = st.Step(Sample{Ts: ts(10)}, nil)
	is.Equal(err, ErrTimeMovedBackward) // equal timestamps are also rejected, strictly after only
	is.Equal(strat.steps, stepsAfterFirst)
}

func TestStateWarmUpGatesFirstFiveMinutes(t *testing.T) {
	is := is.New(t)

	strat := &constTri{value: On}
	st := NewState(strat)

	result, err := st.Step(Sample{Ts: ts(0)}, nil)
	is.NoErr(err)
	is.Equal(result, Absent)

	result, err = st.Step(Sample{Ts: ts(299)}, nil)
	is.NoErr(err)
	is.Equal(result, Absent) // still inside the 5 minute warm-up window

	result, err = st.Step(Sample{Ts: ts(300)}, nil)
	is.NoErr(err)
	is.Equal(result, On) // warm-up has elapsed, the strategy's verdict now passes through
}

func TestStateGapOverFiveMinutesResetsStrategyAndWarmUp(t *testing.T) {
	is := is.New(t)

	strat := &constTri{value: On}
	st := NewState(strat)

	_, err := st.Step(Sample{Ts: ts(0)}, nil)
	is.NoErr(err)
	_, err = st.Step(Sample{Ts: ts(400)}, nil)
	is.NoErr(err)
	is.Equal(strat.steps, 1) // Reset() zeroed the counter; this step is its first since

	result, err := st.Step(Sample{Ts: ts(400 + 60)}, nil)
	is.NoErr(err)
	is.Equal(result, Absent) // warm-up restarted from the post-gap sample

	startedAt, hasLast := st.StartedAt()
	is.True(hasLast)
	is.True(startedAt.Equal(ts(400)))
}

func TestStateGapFillReplaysSyntheticSamples(t *testing.T) {
	is := is.New(t)

	strat := &constTri{value: On}
	st := NewState(strat)

	_, err := st.Step(Sample{Ts: ts(0)}, nil)
	is.NoErr(err)

	gapFillCalls := 0
	gapFill := func(elapsed, total int) Sample {
		gapFillCalls++
		return Sample{Ts: ts(elapsed + 1)}
	}
	_, err = st.Step(Sample{Ts: ts(10)}, gapFill)
	is.NoErr(err)

	is.Equal(gapFillCalls, 9)     // 9 missing seconds between t=0 and t=10
	is.Equal(strat.steps, 9+1+1) // 9 synthetic + the real sample, plus the very first real step
}

func TestStateNoGapFillWhenGapIsNil(t *testing.T) {
	is := is.New(t)

	strat := &constTri{value: On}
	st := NewState(strat)

	_, err := st.Step(Sample{Ts: ts(0)}, nil)
	is.NoErr(err)
	_, err = st.Step(Sample{Ts: ts(10)}, nil)
	is.NoErr(err)

	is.Equal(strat.steps, 2) // no synthetic replay requested
}

func TestMajorityFilterStrictMajorityOfValidEntries(t *testing.T) {
	is := is.New(t)

	is.Equal(MajorityFilter([]Tri{On, On, Off}), On)
	is.Equal(MajorityFilter([]Tri{On, Off, Off}), Off)
	is.Equal(MajorityFilter([]Tri{On, Off}), Off) // exactly half is not a strict majority
	is.Equal(MajorityFilter([]Tri{Absent, Absent}), Absent)
	is.Equal(MajorityFilter([]Tri{Absent, On}), On) // absent entries don't count toward valid
}
