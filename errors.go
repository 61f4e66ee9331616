// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package udt

import (
	"io"

	"github.com/pkg/errors"
)

var (
	ioEOF = io.EOF

	// errNotSupported is returned by the not-yet-implemented deadline
	// methods (spec §6 does not name deadlines among the recognized
	// options; application misuse fails locally per spec §7).
	errNotSupported = errors.New("udt: operation not supported")
)
