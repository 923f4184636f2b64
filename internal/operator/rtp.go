package operator

import (
	"errors"
	"io"

	"leakrelay/pkg/audio"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
)

// rtpSource is a remote track.
type rtpSource interface {
	Read(b []byte) (int, interceptor.Attributes, error)
}

// ReadPCMU reads RTP packets from src until it ends and hands each decoded
// µ-law payload to onSamples. Packets that fail to parse are skipped.
// It returns the number of sequence gaps seen.
func ReadPCMU(src rtpSource, onSamples func([]float64)) (int, error) {
	buf := make([]byte, 1500)
	var (
		pkt     rtp.Packet
		lastSeq uint16
		started bool
		gaps    int
	)
	for {
		n, _, err := src.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return gaps, nil
			}
			return gaps, err
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		if started && pkt.SequenceNumber != lastSeq+1 {
			gaps++
		}
		lastSeq, started = pkt.SequenceNumber, true

		if len(pkt.Payload) == 0 {
			continue
		}
		onSamples(audio.DecodePCMU(pkt.Payload))
	}
}
