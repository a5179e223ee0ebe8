package ports

import "github.com/revault/cosignerd/internal/core/domain"

type RepoManager interface {
	SignedOutpoints() domain.SignedOutpointRepository
	Close()
}
