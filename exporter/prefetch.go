/*
 * Changeset prefetch: hydrating changesets ahead of the pipeline
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package main

import (
	"context"
	"errors"
	"io"

	"golang.org/x/sync/errgroup"
)

type prefetchSlot struct {
	cs   *Changeset
	err  error
	done chan struct{}
}

// prefetcher reads changeset headers on one goroutine and hydrates them
// on a pool of workers. Results come out in ledger order; at most depth
// changesets are in flight.
type prefetcher struct {
	g      *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
	slots  chan *prefetchSlot
}

func startPrefetch(parent context.Context, ledger Ledger, identities *identityResolver, workers int, depth int) (*prefetcher, error) {
	if workers < 1 {
		workers = 1
	}
	if depth < workers {
		depth = workers
	}
	it, err := ledger.Changesets(parent)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(parent)
	g, ctx := errgroup.WithContext(ctx)
	p := &prefetcher{g: g, ctx: ctx, cancel: cancel, slots: make(chan *prefetchSlot, depth)}
	work := make(chan *prefetchSlot, depth)

	g.Go(func() error {
		defer close(p.slots)
		defer close(work)
		defer it.Close()
		for {
			cs, err := it.Next(ctx)
			if errors.Is(err, io.EOF) {
				return nil
			} else if err != nil {
				return err
			}
			slot := &prefetchSlot{cs: cs, done: make(chan struct{})}
			select {
			case p.slots <- slot:
			case <-ctx.Done():
				return nil
			}
			select {
			case work <- slot:
			case <-ctx.Done():
				return nil
			}
		}
	})
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for slot := range work {
				slot.err = hydrate(ctx, ledger, slot.cs)
				if slot.err == nil && identities != nil {
					identities.resolve(slot.cs.Owner)
					identities.resolve(slot.cs.Committer)
				}
				close(slot.done)
				if slot.err != nil {
					return slot.err
				}
			}
			return nil
		})
	}
	return p, nil
}

// next returns the next hydrated changeset, or io.EOF after the last.
func (p *prefetcher) next() (*Changeset, error) {
	slot, ok := <-p.slots
	if !ok {
		if err := p.g.Wait(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	select {
	case <-slot.done:
	case <-p.ctx.Done():
		select {
		case <-slot.done:
		default:
			if err := p.g.Wait(); err != nil {
				return nil, err
			}
			return nil, p.ctx.Err()
		}
	}
	if slot.err != nil {
		return nil, slot.err
	}
	return slot.cs, nil
}

// stop abandons whatever is still in flight.
func (p *prefetcher) stop() {
	p.cancel()
	for range p.slots {
	}
	p.g.Wait()
}
