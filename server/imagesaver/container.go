package imagesaver

import (
	evbus "github.com/asaskevich/EventBus"
	"github.com/boardsaver/boardsaver/server/imagesaver/domain"
	"github.com/boardsaver/boardsaver/server/imagesaver/service"
	"github.com/boardsaver/boardsaver/server/internal"
	"github.com/boardsaver/boardsaver/server/internal/duplicates"
	"github.com/boardsaver/boardsaver/server/internal/fsutil"
	"github.com/boardsaver/boardsaver/server/internal/notify"
	"github.com/boardsaver/boardsaver/server/internal/registry"
	"github.com/boardsaver/boardsaver/server/internal/settings"
	"github.com/jmoiron/sqlx"
)

type ContainerArgs struct {
	DB         *sqlx.DB
	Settings   *settings.Store
	Registry   *registry.Registry
	MQ         service.Publisher
	Source     service.Source
	FS         fsutil.FileSystem
	Bus        evbus.Bus
	Progress   *notify.Broadcaster[internal.ProgressSnapshot]
	DupUpdates *notify.Broadcaster[duplicates.State]
}

// Container wires the image saver. The service is returned alongside the
// handler because the queue workers, the restore at startup and the
// retention sweep drive it directly.
func Container(args *ContainerArgs) (domain.RestHandler, *service.Service, error) {
	r, err := provideRepository(args.DB)
	if err != nil {
		return nil, nil, err
	}

	var (
		s = provideService(r, args)
		h = provideHandler(s)
	)
	return h, s, nil
}
