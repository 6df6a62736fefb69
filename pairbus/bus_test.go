package pairbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type pair struct{ Seq uint64 }

func TestBasicPublishSubscribe(t *testing.T) {
	bus := New[pair]()
	defer bus.Close()

	ch := make(chan pair, 10)
	if err := bus.Subscribe("test", ch); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	bus.Publish(pair{Seq: 1})

	select {
	case got := <-ch:
		if got.Seq != 1 {
			t.Errorf("Expected seq 1, got %d", got.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for pair")
	}
}

func TestPublishDropsWhenChannelFull(t *testing.T) {
	bus := New[pair]()
	defer bus.Close()

	ch := make(chan pair, 1)
	if err := bus.Subscribe("slow", ch); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		bus.Publish(pair{Seq: 1})
		bus.Publish(pair{Seq: 2})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Publish blocked")
	}

	if got := <-ch; got.Seq != 1 {
		t.Errorf("Expected seq 1, got %d", got.Seq)
	}
	st := bus.Stats().Subscribers["slow"]
	if st.Sent != 1 || st.Dropped != 1 {
		t.Errorf("stats = %+v, want 1 sent 1 dropped", st)
	}
}

func TestDropOldKeepsLatest(t *testing.T) {
	bus := New[pair]()
	defer bus.Close()

	rx, err := bus.SubscribeDropOld("preview")
	if err != nil {
		t.Fatal(err)
	}

	for i := uint64(1); i <= 5; i++ {
		bus.Publish(pair{Seq: i})
	}

	got, ok := rx.TryReceive()
	if !ok || got.Seq != 5 {
		t.Fatalf("TryReceive() = %+v, %v, want seq 5", got, ok)
	}
	if _, ok := rx.TryReceive(); ok {
		t.Error("value consumed twice")
	}

	st := bus.Stats().Subscribers["preview"]
	if st.Policy != DropOld || st.Dropped != 4 {
		t.Errorf("stats = %+v, want drop-old with 4 dropped", st)
	}
}

func TestReceiveBlocksUntilPublish(t *testing.T) {
	bus := New[pair]()
	defer bus.Close()

	rx, err := bus.SubscribeDropOld("r")
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var got pair
	var rerr error
	go func() {
		defer wg.Done()
		got, rerr = rx.Receive(context.Background())
	}()

	time.Sleep(10 * time.Millisecond)
	bus.Publish(pair{Seq: 7})
	wg.Wait()

	if rerr != nil || got.Seq != 7 {
		t.Errorf("Receive() = %+v, %v", got, rerr)
	}
}

func TestReceiveUnblocksOnCloseAndCancel(t *testing.T) {
	bus := New[pair]()
	rx, _ := bus.SubscribeDropOld("r")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := rx.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Receive() with expired ctx error = %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		bus.Close()
	}()
	if _, err := rx.Receive(context.Background()); !errors.Is(err, ErrReceiverClosed) {
		t.Errorf("Receive() after Close error = %v, want ErrReceiverClosed", err)
	}
}

func TestSubscribeErrors(t *testing.T) {
	bus := New[pair]()

	if err := bus.Subscribe("a", nil); !errors.Is(err, ErrNilChannel) {
		t.Errorf("nil channel error = %v", err)
	}
	if err := bus.Subscribe("a", make(chan pair)); err != nil {
		t.Fatal(err)
	}
	if _, err := bus.SubscribeDropOld("a"); !errors.Is(err, ErrSubscriberExists) {
		t.Errorf("duplicate id error = %v", err)
	}
	if err := bus.Unsubscribe("missing"); !errors.Is(err, ErrSubscriberNotFound) {
		t.Errorf("Unsubscribe(missing) error = %v", err)
	}
	if got := bus.Subscribers(); len(got) != 1 || got[0] != "a" {
		t.Errorf("Subscribers() = %v", got)
	}

	bus.Close()
	if err := bus.Subscribe("b", make(chan pair)); !errors.Is(err, ErrBusClosed) {
		t.Errorf("Subscribe after Close error = %v", err)
	}
	bus.Publish(pair{Seq: 1}) // no panic after Close
}

func TestConcurrentPublish(t *testing.T) {
	bus := New[pair]()
	defer bus.Close()

	ch := make(chan pair, 1000)
	_ = bus.Subscribe("all", ch)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				bus.Publish(pair{Seq: uint64(i)})
			}
		}()
	}
	wg.Wait()

	st := bus.Stats()
	if st.Published != 400 || st.Subscribers["all"].Sent != 400 {
		t.Errorf("stats = %+v, want 400 published and sent", st)
	}
}
