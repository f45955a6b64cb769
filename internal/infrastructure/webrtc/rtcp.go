package webrtc

import (
	"github.com/pion/rtcp"
)

// WriteRTCP handles feedback sent by the receiving peer. Keyframe requests
// are relayed to the producer and receiver reports update the loss estimate.
func (c *Consumer) WriteRTCP(packets []rtcp.Packet) {
	keyframeRequested := false
	var totalLoss, reports int

	for _, packet := range packets {
		switch p := packet.(type) {
		case *rtcp.PictureLossIndication:
			keyframeRequested = true
		case *rtcp.FullIntraRequest:
			keyframeRequested = true
		case *rtcp.ReceiverReport:
			for _, report := range p.Reports {
				if report.SSRC != c.ssrc {
					continue
				}
				totalLoss += int(report.FractionLost)
				reports++
			}
		case *rtcp.TransportLayerNack:
			c.logger.Debugw("received NACK",
				"consumer_id", c.id,
				"nacks", len(p.Nacks),
			)
		}
	}

	if reports > 0 {
		c.mu.Lock()
		c.lastReceiverLoss = uint8(totalLoss / reports)
		c.mu.Unlock()
	}

	if keyframeRequested && !c.Paused() {
		c.requestKeyFrame()
	}
}

// FractionLost is the last loss fraction reported by the receiving peer, in
// units of 1/256.
func (c *Consumer) FractionLost() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReceiverLoss
}
