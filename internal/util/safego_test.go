package util

import (
	"sync"
	"testing"
	"time"
)

func TestSafeGo(t *testing.T) {
	var wg sync.WaitGroup
	executed := false

	wg.Add(1)
	SafeGo(func() {
		defer wg.Done()
		executed = true
	})

	wg.Wait()

	if !executed {
		t.Error("SafeGo did not execute the function")
	}
}

func TestSafeGo_RecoversPanic(t *testing.T) {
	var wg sync.WaitGroup

	wg.Add(1)
	SafeGo(func() {
		defer wg.Done()
		panic("tick exploded")
	})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("SafeGo did not complete after panic")
	}
}

func TestSafeGoWithName_RecoversPanic(t *testing.T) {
	var wg sync.WaitGroup

	wg.Add(1)
	SafeGoWithName("balance-poll", func() {
		defer wg.Done()
		panic("named tick exploded")
	})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("SafeGoWithName did not complete after panic")
	}
}

func TestSafeGo_Concurrent(t *testing.T) {
	const n = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	counter := 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		SafeGo(func() {
			defer wg.Done()
			mu.Lock()
			counter++
			mu.Unlock()
		})
	}

	wg.Wait()

	if counter != n {
		t.Errorf("expected %d executions, got %d", n, counter)
	}
}
