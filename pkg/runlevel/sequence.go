package runlevel

import (
	"sort"

	"github.com/finisv/finisv/pkg/registry"
	"github.com/finisv/finisv/pkg/service"
)

// splitRunChain partitions the registry's eligible-and-Halted oneshot
// records into the "run" chain (Serial, ordered by declaration, started
// one at a time) and everything else (started together, as before). A
// record only joins the chain while Halted; one already mid-flight from a
// previous transition is left alone.
func splitRunChain(recs []registry.Record) (serial []*service.Record, rest []*service.Record) {
	for _, rec := range recs {
		sr, ok := rec.(*service.Record)
		if !ok {
			continue
		}
		cfg := sr.Config()
		if cfg.Kind == service.KindOneshot && cfg.Serial && sr.State() == service.Halted && sr.Eligible() {
			serial = append(serial, sr)
			continue
		}
		rest = append(rest, sr)
	}
	sort.Slice(serial, func(i, j int) bool {
		return serial[i].Config().Seq < serial[j].Config().Seq
	})
	return serial, rest
}

// isTerminalRunState reports whether a chain record's arrival at state
// means the governor should advance to the next "run" stanza: a clean
// exit settles at Halted (Manual keeps it there instead of auto-rearming),
// a failure at Crashed or Blocked.
func isTerminalRunState(to service.State) bool {
	switch to {
	case service.Halted, service.Crashed, service.Blocked:
		return true
	default:
		return false
	}
}

// advanceRunChain starts the next queued "run" stanza, or, once the chain
// is empty, falls through to whatever finalize would otherwise have done
// for a normal level transition.
func (g *Governor) advanceRunChain() {
	g.mu.Lock()
	if len(g.runChain) == 0 {
		g.runActive = nil
		cb := g.onFinalized
		lvl := g.current
		g.mu.Unlock()
		if cb != nil {
			cb(lvl)
		}
		return
	}
	next := g.runChain[0]
	g.runChain = g.runChain[1:]
	g.runActive = next
	g.mu.Unlock()

	next.Step(service.EventStartRequested)
}
