// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package core

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDestCacheUpdateAndLookup(t *testing.T) {
	c := NewDestCache()
	c.Update("1.2.3.4:9000", DestHints{RTTUS: 5000, BandwidthPPS: 1000, LossRate: 0.01, FinalCwnd: 32})

	got, ok := c.Lookup("1.2.3.4:9000")
	assert.True(t, ok)
	assert.Equal(t, int64(5000), got.RTTUS)
	assert.Equal(t, float64(32), got.FinalCwnd)

	_, ok = c.Lookup("unknown:1")
	assert.False(t, ok)
}

func TestDestCacheUpdateRefreshesExistingEntry(t *testing.T) {
	c := NewDestCache()
	c.Update("a", DestHints{RTTUS: 1})
	c.Update("a", DestHints{RTTUS: 2})

	got, ok := c.Lookup("a")
	assert.True(t, ok)
	assert.Equal(t, int64(2), got.RTTUS)
}

func TestDestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewDestCache()
	for i := 0; i < destCacheSize; i++ {
		c.Update(fmt.Sprintf("host-%d", i), DestHints{RTTUS: int64(i)})
	}
	// host-0 is now the least recently used entry. One more insert should
	// evict it rather than any of the others.
	c.Update("host-new", DestHints{RTTUS: 999})

	_, ok := c.Lookup("host-0")
	assert.False(t, ok, "oldest entry should have been evicted")
	_, ok = c.Lookup("host-1")
	assert.True(t, ok)
	_, ok = c.Lookup("host-new")
	assert.True(t, ok)
}

func TestDestCacheLookupCountsAsRecentUse(t *testing.T) {
	c := NewDestCache()
	c.Update("keep-me", DestHints{RTTUS: 1})
	for i := 0; i < destCacheSize-1; i++ {
		c.Update(fmt.Sprintf("filler-%d", i), DestHints{RTTUS: int64(i)})
	}
	// touch keep-me so it's no longer the least recently used entry
	c.Lookup("keep-me")

	c.Update("one-more", DestHints{RTTUS: 1})

	_, ok := c.Lookup("keep-me")
	assert.True(t, ok, "recently looked-up entry should survive eviction")
	_, ok = c.Lookup("filler-0")
	assert.False(t, ok, "least recently used entry should be the one evicted")
}
