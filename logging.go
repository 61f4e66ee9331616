// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package udt

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
)

// NewProductionLogger builds the default production logr.Logger backend:
// go.uber.org/zap wrapped with go-logr/zapr, the same pairing the
// teacher's test suite uses (tls_test.go's zaptest.Logger + zapr.NewLogger)
// but wired to zap's production config instead of a test sink.
func NewProductionLogger() (logr.Logger, error) {
	zl, err := zap.NewProduction()
	if err != nil {
		return logr.Discard(), err
	}
	return zapr.NewLogger(zl), nil
}
