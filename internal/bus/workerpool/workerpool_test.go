package workerpool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPoolRunsAllJobs(t *testing.T) {
	p := New(4)
	var count int64
	for i := 0; i < 50; i++ {
		p.Go(func() { atomic.AddInt64(&count, 1) })
	}
	p.Wait()
	assert.EqualValues(t, 50, count)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := New(2)
	var current, peak int64

	for i := 0; i < 10; i++ {
		p.Go(func() {
			n := atomic.AddInt64(&current, 1)
			for {
				old := atomic.LoadInt64(&peak)
				if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&current, -1)
		})
	}
	p.Wait()
	assert.LessOrEqual(t, peak, int64(2))
}

func TestNewClampsToMinimumOne(t *testing.T) {
	p := New(0)
	var ran bool
	p.Go(func() { ran = true })
	p.Wait()
	assert.True(t, ran)
}
