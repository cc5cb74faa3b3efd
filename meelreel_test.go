package meelreel

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

const testTimeout = 5 * time.Second

func receiveWithTimeout[T any](t *testing.T, c chan T) T {
	select {
	case v := <-c:
		return v
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for delivery")
		panic("unreachable")
	}
}

func expectNoReceive[T any](t *testing.T, c chan T, timeout time.Duration) {
	select {
	case <-c:
		t.Fatal("unexpected delivery")
	case <-time.After(timeout):
	}
}

func TestId(t *testing.T) {
	id := NewId()

	idStr := id.String()
	assert.Equal(t, 36, len(idStr))

	parsed, err := ParseId(idStr)
	assert.Equal(t, err, nil)
	assert.Equal(t, id, parsed)

	idJson, err := json.Marshal(&id)
	assert.Equal(t, err, nil)
	assert.Equal(t, 38, len(idJson))

	var unmarshaled Id
	err = json.Unmarshal(idJson, &unmarshaled)
	assert.Equal(t, err, nil)
	assert.Equal(t, id, unmarshaled)

	_, err = ParseId("not an id")
	assert.NotEqual(t, err, nil)
}

func TestParseMealType(t *testing.T) {
	for _, mealTypeStr := range []string{"breakfast", "lunch", "dinner", "snack"} {
		mealType, err := ParseMealType(mealTypeStr)
		assert.Equal(t, err, nil)
		assert.Equal(t, MealType(mealTypeStr), mealType)
	}

	_, err := ParseMealType("brunch")
	assert.NotEqual(t, err, nil)
}

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func() int]()

	aId := callbacks.Add(func() int { return 1 })
	bId := callbacks.Add(func() int { return 2 })

	values := []int{}
	for _, callback := range callbacks.Get() {
		values = append(values, callback())
	}
	assert.Equal(t, []int{1, 2}, values)

	callbacks.Remove(aId)
	values = []int{}
	for _, callback := range callbacks.Get() {
		values = append(values, callback())
	}
	assert.Equal(t, []int{2}, values)

	callbacks.Remove(aId)
	callbacks.Remove(bId)
	assert.Equal(t, 0, len(callbacks.Get()))
}

func TestLoop(t *testing.T) {
	ctx := context.Background()
	loop := NewLoop(ctx)
	defer loop.Close()

	// events run in post order
	order := make(chan int, 3)
	loop.Post(func() { order <- 1 })
	loop.Post(func() { order <- 2 })
	loop.Post(func() { order <- 3 })
	assert.Equal(t, 1, receiveWithTimeout(t, order))
	assert.Equal(t, 2, receiveWithTimeout(t, order))
	assert.Equal(t, 3, receiveWithTimeout(t, order))

	// an event running on the loop can post further events without
	// blocking the loop
	done := make(chan struct{})
	loop.Post(func() {
		loop.Post(func() {
			loop.Post(func() {
				close(done)
			})
		})
	})
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for nested events")
	}

	loop.Close()
	assert.Equal(t, false, loop.Post(func() {}))
}

func TestMonitor(t *testing.T) {
	monitor := NewMonitor()

	notify := monitor.NotifyChannel()
	go monitor.NotifyAll()

	select {
	case <-notify:
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for notify")
	}
}
