package event

import "testing"

func resetState(t *testing.T) {
	t.Helper()
	origBlocks := blocks
	origKernelQ, origUserQ := kernelQueue, userQueue
	origSchedulerPass := SchedulerPassFn

	blocks = map[Type]*block{}
	kernelQueue, userQueue = nil, nil
	SchedulerPassFn = nil

	t.Cleanup(func() {
		blocks = origBlocks
		kernelQueue, userQueue = origKernelQ, origUserQ
		SchedulerPassFn = origSchedulerPass
	})
}

func TestBindUnbindIdempotent(t *testing.T) {
	resetState(t)

	calls := 0
	cb := func(Origin) { calls++ }

	if !Bind(Timer, cb, false) {
		t.Fatal("expected first Bind to report newly bound")
	}
	if Bind(Timer, cb, false) {
		t.Fatal("expected duplicate Bind to report false")
	}

	Enqueue(Timer, OriginKernel)
	Drain()
	if calls != 1 {
		t.Fatalf("expected callback invoked once; got %d", calls)
	}

	Unbind(Timer, cb, false)
	Enqueue(Timer, OriginKernel)
	Drain()
	if calls != 1 {
		t.Fatalf("expected no further invocations after Unbind; got %d", calls)
	}
}

func TestDrainOrdersNonPostBeforePost(t *testing.T) {
	resetState(t)

	var order []string
	Bind(Debug, func(Origin) { order = append(order, "post-1") }, true)
	Bind(Debug, func(Origin) { order = append(order, "normal-1") }, false)
	Bind(Debug, func(Origin) { order = append(order, "normal-2") }, false)
	Bind(Debug, func(Origin) { order = append(order, "post-2") }, true)

	Enqueue(Debug, OriginUser)
	Drain()

	want := []string{"normal-1", "normal-2", "post-1", "post-2"}
	if len(order) != len(want) {
		t.Fatalf("expected %v; got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v; got %v", want, order)
		}
	}
}

func TestDrainKernelOriginBeforeUserOrigin(t *testing.T) {
	resetState(t)

	var order []Origin
	record := func(o Origin) { order = append(order, o) }
	Bind(Serial, record, false)

	Enqueue(Serial, OriginUser)
	Enqueue(Serial, OriginKernel)
	Drain()

	if len(order) != 2 {
		t.Fatalf("expected 2 deliveries; got %d", len(order))
	}
	if order[0] != OriginKernel || order[1] != OriginUser {
		t.Fatalf("expected kernel-origin event drained before user-origin; got %v", order)
	}
}

func TestDrainAlwaysInvokesSchedulerPass(t *testing.T) {
	resetState(t)

	passes := 0
	SchedulerPassFn = func() { passes++ }

	Drain()
	if passes != 1 {
		t.Fatalf("expected exactly one scheduler pass even with no pending events; got %d", passes)
	}
}

func TestEnqueuePreservesFIFOOrderWithinOrigin(t *testing.T) {
	resetState(t)

	var delivered []Type
	Bind(Timer, func(Origin) { delivered = append(delivered, Timer) }, false)
	Bind(Serial, func(Origin) { delivered = append(delivered, Serial) }, false)

	Enqueue(Timer, OriginUser)
	Enqueue(Serial, OriginUser)
	Drain()

	if len(delivered) != 2 || delivered[0] != Timer || delivered[1] != Serial {
		t.Fatalf("expected FIFO order [Timer Serial]; got %v", delivered)
	}
}
