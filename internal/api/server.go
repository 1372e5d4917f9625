package api

import (
	"context"
	"time"

	"github.com/arencloud/hoadesk/internal/config"
	"github.com/arencloud/hoadesk/internal/documents"
	"github.com/arencloud/hoadesk/internal/logging"
	"github.com/arencloud/hoadesk/internal/notify"
	"github.com/arencloud/hoadesk/internal/readiness"
	"github.com/arencloud/hoadesk/internal/session"
	"github.com/arencloud/hoadesk/internal/settings"
	"github.com/arencloud/hoadesk/internal/storage"

	"gorm.io/gorm"
)

// checkTimeout bounds storage checks started by a request. Checks are
// detached from the request so a closed tab does not leave the session's
// status in an error state.
const checkTimeout = 30 * time.Second

type Deps struct {
	Config    *config.Config
	DB        *gorm.DB
	Logger    logging.Logger
	Sessions  session.Store
	Storage   storage.Backend
	Readiness *readiness.Registry
	Documents *documents.Service
	Settings  *settings.Store
	Hub       *notify.Hub
	// Probe runs the operator check behind /ready.
	Probe *readiness.Checker
}

type Server struct {
	cfg       *config.Config
	db        *gorm.DB
	logger    logging.Logger
	sessions  session.Store
	readiness *readiness.Registry
	docs      *documents.Service
	settings  *settings.Store
	hub       *notify.Hub
	probe     *readiness.Checker
	traces    *traceStore
	secret    []byte
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Server{
		cfg:       d.Config,
		db:        d.DB,
		logger:    logger,
		sessions:  d.Sessions,
		readiness: d.Readiness,
		docs:      d.Documents,
		settings:  d.Settings,
		hub:       d.Hub,
		probe:     d.Probe,
		traces:    newTraceStore(1000),
		secret:    []byte(d.Config.Session.Secret),
	}
}

func checkContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), checkTimeout)
}
