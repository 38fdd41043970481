// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"sync"

	"github.com/AleutianAI/AleutianInquiry/services/inquiry/session"
)

// recentCache is a bounded FIFO cache of finalized session views, so
// reads right after finalization avoid a store round trip.
//
// Thread Safety:
//
//	recentCache is safe for concurrent use.
type recentCache struct {
	mu    sync.Mutex
	max   int
	order []string
	views map[string]session.View
}

func newRecentCache(max int) *recentCache {
	return &recentCache{
		max:   max,
		views: make(map[string]session.View, max),
	}
}

// add inserts or refreshes a view, evicting the oldest entry at capacity.
func (c *recentCache) add(v session.View) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.views[v.ID]; !ok {
		for len(c.order) >= c.max && len(c.order) > 0 {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.views, oldest)
		}
		c.order = append(c.order, v.ID)
	}
	c.views[v.ID] = v
}

func (c *recentCache) get(id string) (session.View, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.views[id]
	return v, ok
}

func (c *recentCache) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.views[id]; !ok {
		return
	}
	delete(c.views, id)
	for i, cur := range c.order {
		if cur == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// all returns every cached view, newest first.
func (c *recentCache) all() []session.View {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]session.View, 0, len(c.order))
	for i := len(c.order) - 1; i >= 0; i-- {
		out = append(out, c.views[c.order[i]])
	}
	return out
}
