package machinehealth_test

import (
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"

	"github.com/thufschmitt/hydra/internal/mock"
	"github.com/thufschmitt/hydra/pkg/machinehealth"
	"github.com/thufschmitt/hydra/pkg/storemodel"
)

// TestRecordFailureBackoff exercises three transport failures within
// 5s on a machine with
// retryInterval=10s, retryBackoff=3. The second and third failures
// fall inside the 30s absorption window and are folded into the
// first, so consecutiveFailures stops at 1 even though RecordFailure
// is called three times.
func TestRecordFailureBackoff(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	clk := mock.NewMockClock(ctrl)
	rng := mock.NewMockThreadSafeGenerator(ctrl)
	policy := &machinehealth.Policy{
		Clock:                 clk,
		RandomNumberGenerator: rng,
		RetryInterval:         10 * time.Second,
		RetryBackoff:          3,
	}

	machine := storemodel.NewMachine("worker1", "key", nil, false)

	t0 := time.Unix(1000, 0)
	clk.EXPECT().Now().Return(t0)
	rng.EXPECT().Int63n((30 * time.Second).Nanoseconds()).Return(int64(5 * time.Second))
	disabledUntil1 := policy.RecordFailure(machine)
	require.Equal(t, 1, machine.ConnectInfo().ConsecutiveFailures)
	require.Equal(t, t0.Add(10*time.Second+5*time.Second), disabledUntil1)

	t1 := t0.Add(2 * time.Second)
	clk.EXPECT().Now().Return(t1)
	rng.EXPECT().Int63n((30 * time.Second).Nanoseconds()).Return(int64(7 * time.Second))
	disabledUntil2 := policy.RecordFailure(machine)
	require.Equal(t, 1, machine.ConnectInfo().ConsecutiveFailures, "absorbed failure must not increment the counter")
	require.Equal(t, t1.Add(10*time.Second+7*time.Second), disabledUntil2)

	t2 := t0.Add(5 * time.Second)
	clk.EXPECT().Now().Return(t2)
	rng.EXPECT().Int63n((30 * time.Second).Nanoseconds()).Return(int64(1 * time.Second))
	disabledUntil3 := policy.RecordFailure(machine)
	require.Equal(t, 1, machine.ConnectInfo().ConsecutiveFailures, "third absorbed failure must not increment the counter")
	require.Equal(t, t2.Add(10*time.Second+1*time.Second), disabledUntil3)
}

// TestRecordFailureEscalates checks that failures spaced further
// apart than the 30s absorption window each count, and that the
// exponential term uses retryBackoff^(consecutiveFailures-1), capped
// at MaxConsecutiveFailures.
func TestRecordFailureEscalates(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	clk := mock.NewMockClock(ctrl)
	rng := mock.NewMockThreadSafeGenerator(ctrl)
	policy := &machinehealth.Policy{
		Clock:                 clk,
		RandomNumberGenerator: rng,
		RetryInterval:         10 * time.Second,
		RetryBackoff:          3,
	}
	machine := storemodel.NewMachine("worker1", "key", nil, false)

	// 10s * 3^(k-1) with k capped at 4.
	wantBackoff := []time.Duration{10 * time.Second, 30 * time.Second, 90 * time.Second, 270 * time.Second, 270 * time.Second, 270 * time.Second}
	base := time.Unix(2000, 0)
	for i := 1; i <= 6; i++ {
		now := base.Add(time.Duration(i) * time.Minute) // well outside the 30s window each time
		clk.EXPECT().Now().Return(now)
		rng.EXPECT().Int63n(gomock.Any()).Return(int64(0))
		disabledUntil := policy.RecordFailure(machine)
		require.Equal(t, now.Add(wantBackoff[i-1]), disabledUntil)
	}

	// consecutiveFailures never exceeds 4, even after
	// six escalating failures.
	require.Equal(t, machinehealth.MaxConsecutiveFailures, machine.ConnectInfo().ConsecutiveFailures)
}

// TestRecordSuccessResets checks that a success zeroes the failure
// streak without touching DisabledUntil directly.
func TestRecordSuccessResets(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	clk := mock.NewMockClock(ctrl)
	rng := mock.NewMockThreadSafeGenerator(ctrl)
	policy := &machinehealth.Policy{
		Clock:                 clk,
		RandomNumberGenerator: rng,
		RetryInterval:         10 * time.Second,
		RetryBackoff:          3,
	}
	machine := storemodel.NewMachine("worker1", "key", nil, false)

	clk.EXPECT().Now().Return(time.Unix(3000, 0))
	rng.EXPECT().Int63n(gomock.Any()).Return(int64(0))
	policy.RecordFailure(machine)
	require.Equal(t, 1, machine.ConnectInfo().ConsecutiveFailures)
	disabledUntil := machine.ConnectInfo().DisabledUntil

	policy.RecordSuccess(machine)
	require.Equal(t, 0, machine.ConnectInfo().ConsecutiveFailures)
	require.Equal(t, disabledUntil, machine.ConnectInfo().DisabledUntil)
}
