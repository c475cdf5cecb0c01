package imagesaver

import (
	"sync"

	"github.com/boardsaver/boardsaver/server/imagesaver/domain"
	"github.com/boardsaver/boardsaver/server/imagesaver/repository"
	"github.com/boardsaver/boardsaver/server/imagesaver/rest"
	"github.com/boardsaver/boardsaver/server/imagesaver/service"
	"github.com/jmoiron/sqlx"
)

var (
	repo    domain.Repository
	repoErr error
	svc     *service.Service
	hand    domain.RestHandler

	repoOnce sync.Once
	svcOnce  sync.Once
	handOnce sync.Once
)

func provideRepository(db *sqlx.DB) (domain.Repository, error) {
	repoOnce.Do(func() {
		repo, repoErr = repository.New(db)
	})
	return repo, repoErr
}

func provideService(r domain.Repository, args *ContainerArgs) *service.Service {
	svcOnce.Do(func() {
		svc = service.New(
			r,
			args.Settings,
			args.Registry,
			args.MQ,
			args.Source,
			args.FS,
			args.Bus,
			args.Progress,
			args.DupUpdates,
		)
	})
	return svc
}

func provideHandler(s domain.Service) domain.RestHandler {
	handOnce.Do(func() {
		hand = rest.New(s)
	})
	return hand
}
