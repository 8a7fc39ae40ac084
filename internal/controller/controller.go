// Package controller implements the stateless HTTP surface: estimate,
// upload ticketing, job submission/status/result/cancel/history, the
// credit ledger view, and the admin and payment-webhook surfaces. Every
// controller process shares the same store, ledger, queue bus, object
// store, and mailer; no controller-local state survives a request.
package controller

import (
	"go.uber.org/zap"

	"github.com/renderhub/dispatch/internal/config"
	"github.com/renderhub/dispatch/internal/eventbus"
	"github.com/renderhub/dispatch/internal/ledger"
	"github.com/renderhub/dispatch/internal/mailer"
	"github.com/renderhub/dispatch/internal/obs"
	"github.com/renderhub/dispatch/internal/objectstore"
	"github.com/renderhub/dispatch/internal/queuebus"
	"github.com/renderhub/dispatch/internal/store"
)

// Controller holds every dependency a request handler needs.
type Controller struct {
	cfg     *config.Config
	store   *store.Store
	ledger  *ledger.Ledger
	bus     *queuebus.Bus
	objects objectstore.Store
	events  *eventbus.Publisher
	mail    mailer.Mailer
	audit   *obs.AuditLogger
	logger  *zap.Logger
}

// New builds a Controller. All dependencies are injected so tests can
// substitute a sqlite store, a miniredis bus, and an in-memory object
// store without touching the network. events may be nil, in which case
// terminal-event publication is skipped. audit may be nil, in which case
// admin actions are simply not recorded to the rotating audit log.
func New(cfg *config.Config, s *store.Store, l *ledger.Ledger, bus *queuebus.Bus, objects objectstore.Store, events *eventbus.Publisher, mail mailer.Mailer, audit *obs.AuditLogger, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{cfg: cfg, store: s, ledger: l, bus: bus, objects: objects, events: events, mail: mail, audit: audit, logger: logger}
}
