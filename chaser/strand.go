// Package chaser implements the organize, check, preconfirm, and confirm
// workers, each driven off the event bus and each owning its own
// single-threaded "strand" execution context.
package chaser

import (
	"context"

	"github.com/btcorg/chainnode/eventbus"
	"github.com/lightningnetwork/lnd/actor"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// task is a unit of work posted to a Strand.
type task struct {
	actor.BaseMessage
	run func(ctx context.Context)
}

// MessageType implements actor.Message.
func (task) MessageType() string { return "strand-task" }

// HandlerFunc processes one event on the owning strand. Nothing else ever
// runs concurrently with it for a given Strand.
type HandlerFunc func(ctx context.Context, evt eventbus.Event)

// Strand is a serial executor: posted tasks run one at a time, in posting
// order, so a chaser's state needs no internal locking. One Actor is
// spawned per chaser, whose behavior simply invokes whatever closure it
// is told.
type Strand struct {
	sys *actor.ActorSystem
	key actor.ServiceKey[task, any]
	ref actor.ActorRef[task, any]

	onEvent HandlerFunc
}

// NewStrand spawns a strand named id on sys. handle, if non-nil, is
// invoked for every event Run delivers from the bus.
func NewStrand(sys *actor.ActorSystem, id string, handle HandlerFunc) *Strand {
	key := actor.NewServiceKey[task, any](id)

	behavior := actor.NewFunctionBehavior(
		func(ctx context.Context, t task) fn.Result[any] {
			t.run(ctx)
			return fn.Ok[any](nil)
		},
	)

	ref := key.Spawn(sys, id, behavior)
	s := &Strand{sys: sys, key: key, ref: ref}

	if handle != nil {
		s.onEvent = handle
	}

	return s
}

// Execute posts run to this strand. Delivery is fire-and-forget;
// the strand drains its mailbox strictly in posting order.
func (s *Strand) Execute(ctx context.Context, run func(ctx context.Context)) {
	s.ref.Tell(ctx, task{run: run})
}

// Run subscribes this strand to bus and, for each delivered event, posts
// a task that invokes the strand's event handler. Runs until ctx is done
// or the subscription is torn down.
func (s *Strand) Run(ctx context.Context, bus *eventbus.Bus) {
	sub := bus.Subscribe()

	go func() {
		defer sub.Unsubscribe()

		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.Quit():
				return
			case upd, ok := <-sub.Updates():
				if !ok {
					return
				}

				evt, ok := upd.(eventbus.Event)
				if !ok || s.onEvent == nil {
					continue
				}

				s.Execute(ctx, func(ctx context.Context) {
					s.onEvent(ctx, evt)
				})
			}
		}
	}()
}

// Close unregisters and stops the underlying actor.
func (s *Strand) Close() {
	s.key.Unregister(s.sys, s.ref)
}
