package db

import (
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/revault/cosignerd/internal/core/domain"
	"github.com/revault/cosignerd/internal/core/ports"
	badgerdb "github.com/revault/cosignerd/internal/infrastructure/db/badger"
	sqlitedb "github.com/revault/cosignerd/internal/infrastructure/db/sqlite"
)

var (
	allowedTypes = strings.Join([]string{"sqlite", "badger"}, ",")
)

type ServiceConfig struct {
	DbType   string
	DbConfig []any
}

type service struct {
	signedOutpointRepo domain.SignedOutpointRepository
}

func NewService(config ServiceConfig) (ports.RepoManager, error) {
	var (
		signedOutpointRepo domain.SignedOutpointRepository
		err                error
	)
	switch config.DbType {
	case "sqlite":
		if len(config.DbConfig) != 1 {
			return nil, fmt.Errorf("sqlite db config must have 1 element, got %d", len(config.DbConfig))
		}
		baseDir, ok := config.DbConfig[0].(string)
		if !ok {
			return nil, fmt.Errorf("invalid base directory")
		}
		signedOutpointRepo, err = sqlitedb.NewSignedOutpointRepository(baseDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open signed outpoints db: %s", err)
		}
	case "badger":
		if len(config.DbConfig) != 2 {
			return nil, fmt.Errorf("badger db config must have 2 elements, got %d", len(config.DbConfig))
		}
		baseDir, ok := config.DbConfig[0].(string)
		if !ok {
			return nil, fmt.Errorf("invalid base directory")
		}
		var logger badger.Logger
		if config.DbConfig[1] != nil {
			logger, ok = config.DbConfig[1].(badger.Logger)
			if !ok {
				return nil, fmt.Errorf("invalid logger")
			}
		}
		signedOutpointRepo, err = badgerdb.NewSignedOutpointRepository(baseDir, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open signed outpoints db: %s", err)
		}
	default:
		return nil, fmt.Errorf("unsupported db type %s, please select one of %s", config.DbType, allowedTypes)
	}

	return &service{signedOutpointRepo}, nil
}

func (s *service) SignedOutpoints() domain.SignedOutpointRepository {
	return s.signedOutpointRepo
}

func (s *service) Close() {
	s.signedOutpointRepo.Close()
}
