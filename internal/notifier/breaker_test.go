package notifier

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerTripsAndCoolsDown(t *testing.T) {
	t.Parallel()
	b := newBreakers(breakerCfg{trip: 2, baseDelay: time.Second, maxDelay: 3 * time.Second, resetAfter: time.Minute})
	now := time.Unix(1_700_000_000, 0)
	boom := errors.New("smtp down")

	assert.False(t, b.record("mail", now, boom))
	open, _ := b.open("mail", now)
	assert.False(t, open)

	assert.True(t, b.record("mail", now, boom))
	open, until := b.open("mail", now)
	assert.True(t, open)
	assert.Equal(t, now.Add(time.Second), until)

	// Further failures double the cooldown up to the cap.
	b.record("mail", now, boom)
	_, until = b.open("mail", now)
	assert.Equal(t, now.Add(2*time.Second), until)
	b.record("mail", now, boom)
	b.record("mail", now, boom)
	_, until = b.open("mail", now)
	assert.Equal(t, now.Add(3*time.Second), until)

	open, _ = b.open("mail", now.Add(4*time.Second))
	assert.False(t, open)
	open, _ = b.open("telegram", now)
	assert.False(t, open)

	b.record("mail", now, nil)
	snap := b.snapshot(now)
	for _, c := range snap {
		assert.Zero(t, c.Failures)
		assert.True(t, c.OpenUntil.IsZero())
	}
}

func TestBreakerResetsAfterQuietPeriod(t *testing.T) {
	t.Parallel()
	b := newBreakers(breakerCfg{trip: 2, baseDelay: time.Second, maxDelay: time.Second, resetAfter: time.Minute})
	now := time.Unix(1_700_000_000, 0)
	b.record("mail", now, errors.New("x"))
	assert.False(t, b.record("mail", now.Add(2*time.Minute), errors.New("x")))
}
