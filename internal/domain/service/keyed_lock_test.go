package service

import (
	"sync"
	"testing"
)

func TestKeyedLock(t *testing.T) {
	t.Run("serializes same key", func(t *testing.T) {
		locks := NewKeyedLock()
		counter := 0

		var wg sync.WaitGroup
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				locks.Lock("g1")
				counter++
				locks.Unlock("g1")
			}()
		}
		wg.Wait()

		if counter != 100 {
			t.Errorf("lost updates under contention: %d", counter)
		}
	})

	t.Run("independent keys do not block", func(t *testing.T) {
		locks := NewKeyedLock()
		locks.Lock("a")
		defer locks.Unlock("a")

		done := make(chan struct{})
		go func() {
			locks.Lock("b")
			locks.Unlock("b")
			close(done)
		}()
		<-done
	})

	t.Run("unheld unlock panics", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Error("expected panic on unheld unlock")
			}
		}()
		NewKeyedLock().Unlock("ghost")
	})
}
