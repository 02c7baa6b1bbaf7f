package transfer

import "time"

// TCPStats captures kernel TCP metrics of the download connection.
type TCPStats struct {
	RTT           time.Duration `json:"rtt"`
	RTTVar        time.Duration `json:"rtt_var"`
	Retransmits   uint64        `json:"retransmits"`
	BytesReceived uint64        `json:"bytes_received"`
}
