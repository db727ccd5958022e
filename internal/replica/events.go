package replica

import (
	"errors"
	"time"

	"ghostnet/internal/debuglog"
	"ghostnet/internal/eventcodec"
	"ghostnet/internal/peer"
	"ghostnet/internal/proto"
	"ghostnet/internal/transport"
)

var (
	ErrEventTooLarge = errors.New("event does not fit one message")
	ErrDestroyed     = errors.New("replicator destroyed")
)

// maxObjectSize is the largest codec object that fits one event slot.
const maxObjectSize = proto.MaxBodySize - proto.EventFixedSize

// SendEvent queues obj for h. The event is delivered reliably once h is
// established; it stays queued while the handshake is in progress.
func (r *Replicator) SendEvent(h transport.Handle, id uint16, obj eventcodec.Object) error {
	return r.queueEvent(peer.Event{ID: id, Target: h, Object: obj})
}

// BroadcastEvent queues obj for every peer established at the next flush.
func (r *Replicator) BroadcastEvent(id uint16, obj eventcodec.Object) error {
	return r.queueEvent(peer.Event{ID: id, Broadcast: true, Object: obj})
}

func (r *Replicator) queueEvent(ev peer.Event) error {
	if r.destroyed {
		return ErrDestroyed
	}
	data, err := r.codec.Append(nil, ev.Object, maxObjectSize)
	if err != nil {
		if errors.Is(err, eventcodec.ErrTooLarge) {
			err = ErrEventTooLarge
		}
		debuglog.Logf("replica: drop event id=%d err=%v", ev.ID, err)
		return err
	}
	ev.Time = r.networkTime
	ev.Data = data
	r.pending = append(r.pending, ev)
	return nil
}

// flushEvents moves pending events into peer outboxes and sends what fits.
func (r *Replicator) flushEvents() {
	keep := r.pending[:0]
	for _, ev := range r.pending {
		if ev.Broadcast {
			r.peers.Each(func(p *peer.Peer) {
				if p.State == peer.Established {
					p.Outbox = append(p.Outbox, ev)
				}
			})
			continue
		}
		p := r.peers.Get(ev.Target)
		switch {
		case p == nil || p.State == peer.Disconnected:
			r.metrics.AddEventDropUnsent(1)
			debuglog.Debugf("replica: drop event id=%d for unknown handle=%d", ev.ID, ev.Target)
		case p.State == peer.Established:
			p.Outbox = append(p.Outbox, ev)
		default:
			keep = append(keep, ev)
		}
	}
	clear(r.pending[len(keep):])
	r.pending = keep
	r.peers.Each(func(p *peer.Peer) {
		if p.State == peer.Established && len(p.Outbox) > 0 {
			r.sendOutbox(p)
		}
	})
}

// sendOutbox packs p's outbox greedily into Event1..Event4 messages. The
// first failed send stops the flush; unsent events are retried next tick.
func (r *Replicator) sendOutbox(p *peer.Peer) {
	sent := 0
	for sent < len(p.Outbox) {
		end, size := sent, 0
		for end < len(p.Outbox) && end-sent < proto.MaxEventsPerMessage {
			sz := proto.EventRecordSize(len(p.Outbox[end].Data))
			if size+sz > proto.MaxBodySize {
				break
			}
			size += sz
			end++
		}
		typ, err := proto.EventType(end - sent)
		if err != nil {
			// oversized object; queueEvent keeps these out
			p.Outbox = append(p.Outbox[:sent], p.Outbox[sent+1:]...)
			r.metrics.AddEventDropUnsent(1)
			continue
		}
		r.records = r.records[:0]
		for _, ev := range p.Outbox[sent:end] {
			r.records = append(r.records, proto.EventRecord{
				Time:      float32(ev.Time),
				ID:        ev.ID,
				Broadcast: ev.Broadcast,
				Object:    ev.Data,
			})
		}
		m := proto.Message{Type: typ, Time: float32(r.networkTime), Events: r.records}
		if !r.send(p, &m, true) {
			break
		}
		r.metrics.IncEventMessages()
		r.metrics.AddEventSent(end - sent)
		sent = end
	}
	if sent > 0 {
		n := copy(p.Outbox, p.Outbox[sent:])
		clear(p.Outbox[n:])
		p.Outbox = p.Outbox[:n]
	}
	if len(p.Outbox) > 0 {
		r.metrics.AddEventRetained(len(p.Outbox))
	}
}

func (r *Replicator) handleEvents(p *peer.Peer, m *proto.Message) {
	if p.State != peer.Established {
		r.metrics.IncDropByReason("event_not_established")
		return
	}
	count := int(m.Type-proto.TypeEvent1) + 1
	b := m.Data
	for i := 0; i < count; i++ {
		rec, rest, err := proto.EventHeader(b)
		if err != nil {
			r.metrics.IncEventDropDecode()
			return
		}
		obj, used, err := r.codec.Decode(rest)
		if used == 0 {
			r.metrics.IncEventDropDecode()
			return
		}
		b = rest[used:]
		if err != nil {
			r.metrics.IncEventDropDecode()
			debuglog.RateLimitedf("event-decode-"+p.Name, 5*time.Second, "replica: drop event peer=%s id=%d err=%v", p.Name, rec.ID, err)
			continue
		}
		r.metrics.IncEventReceived()
		r.note(Notification{
			Time:      float64(rec.Time),
			Kind:      KindEvent,
			Peer:      p.Handle,
			EventID:   rec.ID,
			Broadcast: rec.Broadcast,
			Object:    obj,
		})
	}
}
