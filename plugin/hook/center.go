// Package hook runs ordered filters over chat messages before they are stored.
package hook

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrRejected signals that a filter refused the message.
var ErrRejected = errors.New("message rejected")

const (
	BeforeClubSend   = "before_club_send"
	BeforeDirectSend = "before_dm_send"
)

// Draft is a cleaned message that has passed authorization but is not yet
// stored. Filters may rewrite Content.
type Draft struct {
	Room     string
	SenderID int64
	Content  string
}

// Fn inspects or rewrites d. Any error stops the chain.
type Fn func(ctx context.Context, event string, d *Draft) error

type entry struct {
	priority int
	name     string
	fn       Fn
}

// Center holds the filters registered per event.
type Center struct {
	mu    sync.RWMutex
	hooks map[string][]*entry
}

func NewCenter() *Center {
	return &Center{hooks: make(map[string][]*entry)}
}

// Register adds fn for event. Lower priorities run first; equal priorities
// keep registration order.
func (c *Center) Register(event string, priority int, name string, fn Fn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := append(c.hooks[event], &entry{priority: priority, name: name, fn: fn})
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].priority < entries[j].priority
	})
	c.hooks[event] = entries
}

// Unregister removes every filter called name from event.
func (c *Center) Unregister(event, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks[event] = without(c.hooks[event], name)
}

// UnregisterAll removes filters called name from every event.
func (c *Center) UnregisterAll(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for event, entries := range c.hooks {
		c.hooks[event] = without(entries, name)
	}
}

func without(entries []*entry, name string) []*entry {
	out := entries[:0]
	for _, e := range entries {
		if e.name != name {
			out = append(out, e)
		}
	}
	return out
}

// Names lists the filters of event in run order.
func (c *Center) Names(event string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.hooks[event]))
	for _, e := range c.hooks[event] {
		names = append(names, e.name)
	}
	return names
}

// Run passes d through the filters of event in priority order and stops at
// the first error. A nil Center runs nothing.
func (c *Center) Run(ctx context.Context, event string, d *Draft) error {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	entries := make([]*entry, len(c.hooks[event]))
	copy(entries, c.hooks[event])
	c.mu.RUnlock()

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.fn(ctx, event, d); err != nil {
			return fmt.Errorf("%s: %w", e.name, err)
		}
	}
	return nil
}

// BlockWords rejects drafts containing any of words, ignoring case.
func BlockWords(words []string) Fn {
	lowered := make([]string, 0, len(words))
	for _, w := range words {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			lowered = append(lowered, w)
		}
	}
	return func(_ context.Context, _ string, d *Draft) error {
		text := strings.ToLower(d.Content)
		for _, w := range lowered {
			if strings.Contains(text, w) {
				return ErrRejected
			}
		}
		return nil
	}
}
