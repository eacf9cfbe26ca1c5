package tools

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
	"time"
)

func TestKeyedMutex_LockUnlock(t *testing.T) {
	km := NewKeyedMutex()

	key := "example.com"
	require.NoError(t, km.Lock(context.Background(), key))
	assert.True(t, km.Locked(key))
	km.Unlock(key)

	if _, ok := km.locks[key]; ok {
		t.Errorf("Expected lock for key %s to be removed", key)
	}
}

func TestKeyedMutex_TryLock(t *testing.T) {
	km := NewKeyedMutex()

	key := "example.com"
	assert.True(t, km.TryLock(key), "first TryLock should succeed")
	assert.False(t, km.TryLock(key), "second TryLock should fail")

	km.Unlock(key)
	assert.True(t, km.TryLock(key), "TryLock should succeed after unlock")
	km.Unlock(key)
	assert.Empty(t, km.locks)
}

func TestKeyedMutex_Do(t *testing.T) {
	km := NewKeyedMutex()
	var wg sync.WaitGroup

	itr := 1000
	j := 0

	for i := 0; i < itr; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := km.Do(context.Background(), "example.com", func() {
				j++
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, itr, j)
	assert.False(t, km.Locked("example.com"))
	assert.Empty(t, km.locks)
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	km := NewKeyedMutex()

	require.NoError(t, km.Lock(context.Background(), "a.example"))
	assert.True(t, km.TryLock("b.example"), "a different key must not be blocked")
	km.Unlock("b.example")
	km.Unlock("a.example")
}

func TestKeyedMutex_LockIsCancelable(t *testing.T) {
	km := NewKeyedMutex()
	require.NoError(t, km.Lock(context.Background(), "a.example"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := km.Lock(ctx, "a.example")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	km.Unlock("a.example")
	assert.Empty(t, km.locks, "a canceled waiter must not keep the key around")
}

func TestKeyedMutex_UnlockOfUnlocked(t *testing.T) {
	km := NewKeyedMutex()
	assert.Panics(t, func() { km.Unlock("a.example") })
}

func TestDomainOfEmail(t *testing.T) {
	type testCase struct {
		address string
		want    string
		wantErr bool
	}
	for _, tc := range []testCase{
		{address: "x@b.example", want: "b.example"},
		{address: "<X@B.Example>", want: "b.example"},
		{address: "\"a@b\"@c.example", want: "c.example"},
		{address: "x@b.example.", want: "b.example"},
		{address: "nodomain", wantErr: true},
		{address: "x@", wantErr: true},
	} {
		got, err := DomainOfEmail(tc.address)
		if tc.wantErr {
			assert.Error(t, err, tc.address)
			continue
		}
		assert.NoError(t, err, tc.address)
		assert.Equal(t, tc.want, got, tc.address)
	}
}

func TestLocalOfEmail(t *testing.T) {
	local, err := LocalOfEmail("<noreply@posten.example>")
	assert.NoError(t, err)
	assert.Equal(t, "noreply", local)
}
