package signal

import "github.com/Ronifue/peershare/internal/transport"

// Stats exposes the live connection's candidate-pair statistics, feeding the
// engine's RTT sampler.
func (d *Driver) Stats() (transport.Stats, error) {
	pc := d.peerConnection()
	if pc == nil || pc.Closed() {
		return transport.Stats{SelectedRTTMs: -1, BestRTTMs: -1}, nil
	}
	return pc.GetStats()
}
