package assetcache

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// PageController does what a page does for its worker registration:
// it asks a freshly installed update to skip waiting, and reloads once
// when the controlling worker changes.
type PageController struct {
	reg        *Registration
	reload     func()
	log        zerolog.Logger
	refreshing atomic.Bool
}

func NewPageController(reg *Registration, reload func(), logger *zerolog.Logger) *PageController {
	var l zerolog.Logger
	if logger == nil {
		l = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		l = *logger
	}
	return &PageController{reg: reg, reload: reload, log: l}
}

// Run follows the registration until ctx is done.
func (p *PageController) Run(ctx context.Context) error {
	events, cancel := p.reg.Subscribe()
	defer cancel()

	// an update may have been installed before we started listening
	if w := p.reg.Waiting(); w != nil && p.reg.Active() != nil {
		p.updateReady(ctx, w)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-events:
			switch e.Type {
			case EventInstalled:
				// without a controller there is nothing to replace
				if p.reg.Active() != nil {
					p.updateReady(ctx, e.Worker)
				}
			case EventControllerChange:
				p.controllerChange()
			}
		}
	}
}

func (p *PageController) updateReady(ctx context.Context, w *Manager) {
	p.log.Debug().Str("cache", w.CacheName()).Msg("Update ready, asking it to skip waiting")
	if err := w.HandleMessage(ctx, Message{Action: ActionSkipWaiting}); err != nil {
		p.log.Error().Err(err).Str("cache", w.CacheName()).Msg("Could not skip waiting")
	}
}

// controllerChange reloads at most once.
func (p *PageController) controllerChange() {
	if !p.refreshing.CompareAndSwap(false, true) {
		return
	}
	p.log.Info().Msg("Controller changed, reloading")
	if p.reload != nil {
		p.reload()
	}
}
