package goSession

import (
	"context"
	"sync"
)

// Visibility is the foreground state of the host (tab, window, app).
type Visibility uint8

const (
	Visible Visibility = iota
	Hidden
)

func (v Visibility) String() string {
	if v == Hidden {
		return "hidden"
	}
	return "visible"
}

// VisibilitySource reports foreground changes. The channel returned by Watch delivers every
// change until ctx is done.
type VisibilitySource interface {
	Watch(ctx context.Context) <-chan Visibility
}

// ManualVisibility is a VisibilitySource driven by Set. Hosts call Set from their own
// foreground/background hooks.
type ManualVisibility struct {
	mu    sync.Mutex
	state Visibility
	subs  map[*visibilitySub]struct{}
}

type visibilitySub struct {
	ch   chan Visibility
	done <-chan struct{}
}

// NewManualVisibility returns a source that starts Visible.
func NewManualVisibility() *ManualVisibility {
	return &ManualVisibility{
		state: Visible,
		subs:  make(map[*visibilitySub]struct{}),
	}
}

func (m *ManualVisibility) Watch(ctx context.Context) <-chan Visibility {
	sub := &visibilitySub{
		ch:   make(chan Visibility),
		done: ctx.Done(),
	}

	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, sub)
		m.mu.Unlock()
	}()

	return sub.ch
}

// Set records v and hands it to every watcher. It returns once each watcher received the change
// or stopped watching. Setting the current state again is a no-op.
func (m *ManualVisibility) Set(v Visibility) {
	m.mu.Lock()
	if v == m.state {
		m.mu.Unlock()
		return
	}
	m.state = v
	subs := make([]*visibilitySub, 0, len(m.subs))
	for sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- v:
		case <-sub.done:
		}
	}
}

// State returns the last value passed to Set.
func (m *ManualVisibility) State() Visibility {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
