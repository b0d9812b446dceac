package cronsched

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleInvokesHandlerOnEverySecondTick(t *testing.T) {
	s := New()
	defer s.Stop()

	var ticks int32
	job, err := s.Schedule("* * * * * *", func() { atomic.AddInt32(&ticks, 1) }, Options{})
	require.NoError(t, err)

	time.Sleep(1200 * time.Millisecond)
	job.Stop()

	assert.GreaterOrEqual(t, atomic.LoadInt32(&ticks), int32(1))
}

func TestJobStopGuaranteesNoFurtherInvocation(t *testing.T) {
	s := New()
	defer s.Stop()

	var ticks int32
	job, err := s.Schedule("* * * * * *", func() { atomic.AddInt32(&ticks, 1) }, Options{})
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)
	job.Stop()
	after := atomic.LoadInt32(&ticks)

	time.Sleep(1100 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt32(&ticks))
}

func TestScheduleRejectsMalformedExpression(t *testing.T) {
	s := New()
	defer s.Stop()

	_, err := s.Schedule("not a cron expression", func() {}, Options{})
	assert.Error(t, err)
}

func TestScheduleHonorsTimezoneOption(t *testing.T) {
	s := New()
	defer s.Stop()

	job, err := s.Schedule("0 0 1 1 *", func() {}, Options{Timezone: "America/New_York"})
	require.NoError(t, err)
	job.Stop()
}
