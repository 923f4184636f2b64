package webrtc

import (
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
)

// ReceiverStats summarizes the receiver reports in one RTCP batch.
type ReceiverStats struct {
	Reports      int
	FractionLost float64 // 0-1, averaged over reports
	Jitter       uint32  // RTP timestamp units, averaged over reports
	NACKs        int
}

// SummarizeRTCP extracts loss and jitter from receiver reports and counts
// NACKed packets.
func SummarizeRTCP(packets []rtcp.Packet) ReceiverStats {
	var stats ReceiverStats
	var lost, jitter uint64

	for _, packet := range packets {
		switch p := packet.(type) {
		case *rtcp.ReceiverReport:
			for _, report := range p.Reports {
				lost += uint64(report.FractionLost)
				jitter += uint64(report.Jitter)
				stats.Reports++
			}
		case *rtcp.TransportLayerNack:
			for _, pair := range p.Nacks {
				stats.NACKs += len(pair.PacketList())
			}
		}
	}

	if stats.Reports > 0 {
		stats.FractionLost = float64(lost) / float64(stats.Reports) / 256.0
		stats.Jitter = uint32(jitter / uint64(stats.Reports))
	}
	return stats
}

// ReadSenderRTCP reads RTCP for sender until it fails, passing each batch
// with receiver reports to onStats. The interceptors need the reads even when
// nothing is done with the packets.
func ReadSenderRTCP(sender *webrtc.RTPSender, onStats func(ReceiverStats)) error {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return err
		}
		if stats := SummarizeRTCP(packets); stats.Reports > 0 || stats.NACKs > 0 {
			onStats(stats)
		}
	}
}
