package dispatch

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerialDispatcher(t *testing.T) {
	t.Run("delegates on one partition run strictly in push order", func(t *testing.T) {
		d := NewSerialDispatcher(nil)

		var mu sync.Mutex
		var order []int
		var wg sync.WaitGroup

		for i := 0; i < 50; i++ {
			i := i
			wg.Add(1)
			d.Push("queue", func() error {
				defer wg.Done()
				time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			}, nil)
		}

		wg.Wait()
		d.Wait()

		require.Len(t, order, 50)
		for i, got := range order {
			assert.Equal(t, i, got)
		}
		assert.Equal(t, 0, d.Size())
	})

	t.Run("partitions run serially within and concurrently across keys", func(t *testing.T) {
		d := NewSerialDispatcher([]string{"{message.serialNumber}"})

		const partitions = 5
		const perPartition = 20

		var mu sync.Mutex
		counters := make(map[string]int)
		outOfOrder := 0
		var wg sync.WaitGroup

		for i := 0; i < perPartition; i++ {
			for p := 0; p < partitions; p++ {
				serial := fmt.Sprintf("SN-%d", p)
				index := i
				wg.Add(1)
				d.Push("queue", func() error {
					defer wg.Done()
					time.Sleep(time.Duration(20+rand.Intn(60)) * time.Millisecond)
					mu.Lock()
					if counters[serial] != index {
						outOfOrder++
					}
					counters[serial]++
					mu.Unlock()
					return nil
				}, map[string]any{"serialNumber": serial})
			}
		}

		wg.Wait()
		d.Wait()

		assert.Equal(t, 0, outOfOrder)
		for p := 0; p < partitions; p++ {
			assert.Equal(t, perPartition, counters[fmt.Sprintf("SN-%d", p)])
		}
		assert.Equal(t, 0, d.Size())
	})

	t.Run("a failing delegate does not stop the drain", func(t *testing.T) {
		d := NewSerialDispatcher(nil)

		var wg sync.WaitGroup
		ran := false

		wg.Add(2)
		d.Push("queue", func() error {
			defer wg.Done()
			return errors.New("boom")
		}, nil)
		d.Push("queue", func() error {
			defer wg.Done()
			ran = true
			return nil
		}, nil)

		wg.Wait()
		d.Wait()

		assert.True(t, ran)
		assert.Equal(t, 0, d.Size())
	})

	t.Run("a panicking delegate does not stop the drain", func(t *testing.T) {
		d := NewSerialDispatcher(nil)

		var wg sync.WaitGroup
		ran := false

		wg.Add(1)
		d.Push("queue", func() error {
			defer wg.Done()
			panic("boom")
		}, nil)
		wg.Wait()

		wg.Add(1)
		d.Push("queue", func() error {
			defer wg.Done()
			ran = true
			return nil
		}, nil)

		wg.Wait()
		d.Wait()

		assert.True(t, ran)
		assert.Equal(t, 0, d.Size())
	})

	t.Run("the registry drains back to zero after bursts", func(t *testing.T) {
		d := NewSerialDispatcher([]string{"{message.key}"})

		var wg sync.WaitGroup
		for i := 0; i < 30; i++ {
			key := fmt.Sprintf("k-%d", i%3)
			wg.Add(1)
			d.Push("queue", func() error {
				defer wg.Done()
				return nil
			}, map[string]any{"key": key})
		}

		wg.Wait()
		d.Wait()
		assert.Equal(t, 0, d.Size())
	})
}
