package master

import (
	"github.com/openmined/qbsync/internal/change"
	"github.com/openmined/qbsync/internal/control"
	"github.com/openmined/qbsync/internal/devtable"
	"github.com/openmined/qbsync/internal/iface"
)

// route applies rec to the device table and fans accepted records out to
// every running interface except the one it came from. Interfaces that are
// not running get it through catchUp once they are.
func (m *Master) route(from string, rec change.Record) error {
	if err := rec.Validate(); err != nil {
		m.log.Warn("master route invalid", "from", from, "error", err)
		return nil
	}

	res, err := m.table.Apply(m.ctx, rec)
	if err != nil {
		return iface.Transient(err)
	}

	switch res.Outcome {
	case devtable.Stale:
		m.log.Debug("master route stale", "from", from, "record", rec.Key(), "path", rec.Resource.Path)
		return nil

	case devtable.Conflict:
		resolution := m.policy.Resolve(*res.Rival, rec)
		m.log.Warn("master route conflict",
			"from", from,
			"path", rec.Resource.Path,
			"head", res.Rival.Key(),
			"incoming", rec.Key(),
			"policy", m.policy.Name(),
			"resolution", resolution,
		)
		m.cfg.Publish(control.Event{Type: control.EventConflict, Conflict: &control.Conflict{
			Path:       rec.Resource.Path,
			Head:       res.Rival.Key(),
			Incoming:   rec.Key(),
			Policy:     m.policy.Name(),
			Resolution: resolution.String(),
		}})
		if resolution != change.TakeIncoming {
			return nil
		}
		seq, err := m.table.Promote(m.ctx, rec)
		if err != nil {
			return iface.Transient(err)
		}
		res.Seq = seq
	}

	targets := 0
	for id, e := range m.entries {
		if id == from || e.state != iface.StateRunning {
			continue
		}
		e.outbox.Put(res.Seq, rec)
		targets++
	}
	m.log.Debug("master route", "from", from, "record", rec.Key(), "seq", res.Seq, "op", rec.Op, "path", rec.Resource.Path, "targets", targets)
	return nil
}
