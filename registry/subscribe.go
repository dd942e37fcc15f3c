package registry

import "github.com/mineguard/mineguard/models"

/*
	Fan-out. Each subscriber gets its own bounded queue; a slow subscriber
	loses its oldest events rather than ever blocking the registry. The
	stream is for observability (dashboards, log sinks) and nothing in the
	controller makes decisions from it.
*/

type Subscriber struct {
	ch chan models.Event
}

// Events is the subscriber's receive side.
func (s *Subscriber) Events() <-chan models.Event {
	return s.ch
}

type ConsoleSubscriber struct {
	instanceID string // empty subscribes to every instance
	ch         chan models.ConsoleLine
}

func (s *ConsoleSubscriber) Lines() <-chan models.ConsoleLine {
	return s.ch
}

func (r *Registry) Subscribe() *Subscriber {
	s := &Subscriber{ch: make(chan models.Event, r.subBuffer)}
	r.subsMu.Lock()
	r.subs[s] = struct{}{}
	r.subsMu.Unlock()
	return s
}

func (r *Registry) Unsubscribe(s *Subscriber) {
	r.subsMu.Lock()
	delete(r.subs, s)
	r.subsMu.Unlock()
}

func (r *Registry) SubscribeConsole(instanceID string) *ConsoleSubscriber {
	s := &ConsoleSubscriber{
		instanceID: instanceID,
		ch:         make(chan models.ConsoleLine, r.subBuffer),
	}
	r.subsMu.Lock()
	r.consoleSubs[s] = struct{}{}
	r.subsMu.Unlock()
	return s
}

func (r *Registry) UnsubscribeConsole(s *ConsoleSubscriber) {
	r.subsMu.Lock()
	delete(r.consoleSubs, s)
	r.subsMu.Unlock()
}

func (r *Registry) fanoutEvent(ev models.Event) {
	r.subsMu.RLock()
	defer r.subsMu.RUnlock()

	for s := range r.subs {
		offer(s.ch, ev)
	}
}

// fanoutConsole runs on instance pump goroutines and must not block.
func (r *Registry) fanoutConsole(line models.ConsoleLine) {
	r.subsMu.RLock()
	defer r.subsMu.RUnlock()

	for s := range r.consoleSubs {
		if s.instanceID != "" && s.instanceID != line.InstanceID {
			continue
		}
		offer(s.ch, line)
	}
}

// offer enqueues without blocking, evicting the oldest entry on overflow.
func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
