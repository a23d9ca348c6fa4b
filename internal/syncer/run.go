package syncer

import (
	"context"
	"time"
)

// Trigger asks the running loop for a pass. Requests made while one is
// pending collapse into it.
func (o *Orchestrator) Trigger() {
	select {
	case o.trigger <- struct{}{}:
	default:
	}
}

// TriggerIfOnline triggers a pass only while the backend is reachable.
// The queue calls it after every enqueue.
func (o *Orchestrator) TriggerIfOnline() {
	if o.online() {
		o.Trigger()
	}
}

// Run owns the periodic timer and the network listener until ctx is done,
// then closes the orchestrator. Failed passes push the next periodic pass
// out with exponential backoff.
func (o *Orchestrator) Run(ctx context.Context) {
	var (
		netEvents <-chan bool
		wasUp     bool
	)
	if o.deps.Network != nil {
		ch, cancel := o.deps.Network.Subscribe(4)
		defer cancel()
		netEvents = ch
		wasUp = o.deps.Network.Available()
	}

	backoff := time.Duration(0)
	timer := time.NewTimer(o.cfg.Interval)
	defer timer.Stop()

	pass := func(reason string) {
		o.log.Debug().Str("reason", reason).Msg("sync triggered")
		r, err := o.FullSync(ctx)
		if err == nil && r != nil && r.Succeeded() {
			backoff = 0
		} else if backoff == 0 {
			backoff = o.cfg.InitialBackoff
		} else {
			backoff = min(backoff*2, o.cfg.MaxBackoff)
		}

		next := o.cfg.Interval
		if backoff > 0 {
			next = backoff
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(next)
	}

	for {
		select {
		case <-ctx.Done():
			o.Close()
			return

		case <-timer.C:
			pass("timer")

		case <-o.trigger:
			pass("trigger")

		case up, ok := <-netEvents:
			if !ok {
				netEvents = nil
				continue
			}
			rising := up && !wasUp
			wasUp = up
			if !rising {
				continue
			}
			n, err := o.deps.Queue.Backlog(ctx)
			if err != nil {
				o.log.Warn().Err(err).Msg("backlog query failed")
				continue
			}
			if n > 0 {
				o.log.Info().Int("backlog", n).Msg("network available, syncing backlog")
				pass("network")
			}
		}
	}
}
