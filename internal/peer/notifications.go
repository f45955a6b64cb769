package peer

import (
	"mediagate/internal/protocol"
)

func (p *Peer) handleNotifications() {
	for msg := range p.ch.Notifications() {
		p.handleNotification(msg)
	}
	p.logger.Debugw("signaling channel closed", "error", p.ch.Err())
}

func (p *Peer) handleNotification(msg *protocol.Message) {
	log := p.logger.With("method", msg.Method)

	switch msg.Method {
	case protocol.NotifyTransportClosed:
		var n protocol.TransportClosedNotification
		if err := msg.DecodePayload(&n); err != nil {
			log.Warnw("bad notification", "error", err)
			return
		}
		if t := p.transportByID(n.TransportID); t != nil {
			t.Close()
			log.Infow("transport closed by server", "transport_id", n.TransportID, "reason", n.Reason)
		}

	case protocol.NotifyProducerClosed:
		var n protocol.ProducerClosedNotification
		if err := msg.DecodePayload(&n); err != nil {
			log.Warnw("bad notification", "error", err)
			return
		}
		if t := p.SendTransport(); t != nil && t.CloseProducer(n.ProducerID, reasonOr(n.Reason, ReasonClosed)) {
			log.Infow("producer closed by server", "producer_id", n.ProducerID, "reason", n.Reason)
		}

	case protocol.NotifyConsumerClosed:
		var n protocol.ConsumerClosedNotification
		if err := msg.DecodePayload(&n); err != nil {
			log.Warnw("bad notification", "error", err)
			return
		}
		if t := p.RecvTransport(); t != nil && t.CloseConsumer(n.ConsumerID, reasonOr(n.Reason, ReasonProducerClose)) {
			log.Infow("consumer closed by server", "consumer_id", n.ConsumerID, "reason", n.Reason)
		}

	case protocol.NotifyDtlsStateChanged:
		var n protocol.DtlsStateChangedNotification
		if err := msg.DecodePayload(&n); err != nil {
			log.Warnw("bad notification", "error", err)
			return
		}
		if t := p.transportByID(n.TransportID); t != nil {
			t.HandleDtlsState(n.State)
		}

	case protocol.NotifyError:
		var n protocol.ErrorNotification
		if err := msg.DecodePayload(&n); err != nil {
			log.Warnw("bad notification", "error", err)
			return
		}
		log.Warnw("server reported an error", "failed_method", n.Method, "error", n.Error)

	default:
		log.Debugw("ignoring notification")
	}
}

func (p *Peer) transportByID(id string) *Transport {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range []*Transport{p.sendTransport, p.recvTransport} {
		if t != nil && t.ID() == id {
			return t
		}
	}
	return nil
}

func reasonOr(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}
