// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package udt

import "github.com/vrtransport/udt/core"

// Stats is the get_stats(flow) surface from spec §6, re-exported from
// core.Stats so callers of this package never need to import core
// directly.
type Stats = core.Stats
