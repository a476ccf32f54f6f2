package itemlock

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/notarium/pkg/items"
)

func TestWithLockSerializesSameID(t *testing.T) {
	l := New()
	id := items.HashIDOf([]byte("contended"))

	var mu sync.Mutex
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.WithLock(id, func() error {
				mu.Lock()
				counter++
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
	assert.Equal(t, 0, l.Size())
}

func TestWithLockDistinctIDsDoNotBlock(t *testing.T) {
	l := New()
	a := items.HashIDOf([]byte("item a"))
	b := items.HashIDOf([]byte("item b"))

	aHeld := make(chan struct{})
	releaseA := make(chan struct{})
	go l.WithLock(a, func() error {
		close(aHeld)
		<-releaseA
		return nil
	})
	<-aHeld

	// b proceeds even while a is held
	done := make(chan struct{})
	go func() {
		l.WithLock(b, func() error { return nil })
		close(done)
	}()
	<-done
	close(releaseA)
}

func TestWithLockPropagatesError(t *testing.T) {
	l := New()
	sentinel := errors.New("inner failure")

	err := l.WithLock(items.HashIDOf([]byte("x")), func() error { return sentinel })
	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 0, l.Size())
}

func TestLockRecordsReclaimed(t *testing.T) {
	l := New()
	for i := 0; i < 10; i++ {
		id := items.HashIDOf([]byte{byte(i)})
		l.WithLock(id, func() error {
			assert.Equal(t, 1, l.Size())
			return nil
		})
	}
	assert.Equal(t, 0, l.Size())
}
