package utils

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.viam.com/test"
	gutils "go.viam.com/utils"
)

func TestRunInParallel(t *testing.T) {
	wait100ms := func(ctx context.Context) error {
		gutils.SelectContextOrWait(ctx, 100*time.Millisecond)
		return ctx.Err()
	}

	elapsed, err := RunInParallel(context.Background(), []SimpleFunc{wait100ms, wait100ms})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, elapsed, test.ShouldBeLessThan, 150*time.Millisecond)
	test.That(t, elapsed, test.ShouldBeGreaterThan, 90*time.Millisecond)

	errFunc := func(ctx context.Context) error {
		return errors.New("bad")
	}

	elapsed, err = RunInParallel(context.Background(), []SimpleFunc{wait100ms, wait100ms, errFunc})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldEqual, "bad")
	test.That(t, elapsed, test.ShouldBeLessThan, 90*time.Millisecond)

	panicFunc := func(ctx context.Context) error {
		panic(1)
	}

	_, err = RunInParallel(context.Background(), []SimpleFunc{panicFunc})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "panic")
}

func TestGroupWorkParallel(t *testing.T) {
	for _, size := range []int{0, 1, 3, 17, 1000} {
		seen := make([]int, size)
		var mu sync.Mutex
		groups := -1
		err := GroupWorkParallel(
			context.Background(),
			size,
			func(numGroups int) { groups = numGroups },
			func(groupNum, groupSize, from, to int) (MemberWorkFunc, GroupWorkDoneFunc) {
				return func(memberNum, workNum int) {
					mu.Lock()
					seen[workNum]++
					mu.Unlock()
				}, nil
			},
		)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, groups, test.ShouldBeLessThanOrEqualTo, size)
		for _, c := range seen {
			test.That(t, c, test.ShouldEqual, 1)
		}
	}
}

func TestBoundedFuncs(t *testing.T) {
	const n = 23
	seen := make([]int, n)
	var mu sync.Mutex
	fs := BoundedFuncs(n, func(ctx context.Context, i int) error {
		mu.Lock()
		defer mu.Unlock()
		seen[i]++
		return nil
	})
	test.That(t, len(fs), test.ShouldBeLessThanOrEqualTo, ParallelFactor)
	_, err := RunInParallel(context.Background(), fs)
	test.That(t, err, test.ShouldBeNil)
	for _, c := range seen {
		test.That(t, c, test.ShouldEqual, 1)
	}

	test.That(t, BoundedFuncs(0, nil), test.ShouldBeEmpty)
}

func TestMathHelpers(t *testing.T) {
	test.That(t, Clamp(3, 0, 1), test.ShouldEqual, 1.0)
	test.That(t, RelativeDiff(0, 0), test.ShouldEqual, 0.0)
	test.That(t, RelativeDiff(100, 99), test.ShouldAlmostEqual, 0.01)
}
