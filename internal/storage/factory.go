package storage

import (
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/autopilot/internal/common"
	"github.com/ternarybob/autopilot/internal/interfaces"
	"github.com/ternarybob/autopilot/internal/storage/badger"
	"github.com/ternarybob/autopilot/internal/storage/sqlite"
)

// NewRunStorage opens the run record store selected by config.Storage.Type
func NewRunStorage(logger arbor.ILogger, config *common.Config) (interfaces.RunStorage, error) {
	switch config.Storage.Type {
	case "sqlite":
		db, err := sqlite.NewSQLiteDB(logger, &config.Storage.SQLite)
		if err != nil {
			return nil, err
		}
		return sqlite.NewRunStorage(db, logger), nil
	case "badger", "":
		db, err := badger.NewBadgerDB(logger, &config.Storage.Badger)
		if err != nil {
			return nil, err
		}
		return badger.NewRunStorage(db, logger), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (expected 'badger' or 'sqlite')", config.Storage.Type)
	}
}
