//go:build !sqlite
// +build !sqlite

package storage

import (
	"errors"

	logx "rembot/pkg/logx"
)

// Builds without the sqlite tag keep the driver and its dependency out of
// the binary; asking for it is a config error.
var errNoSQLite = errors.New(`storage driver "sqlite" requires building with -tags sqlite`)

func openSQLite(Config, logx.Logger) (Store, error) {
	return nil, errNoSQLite
}
