package state

import "time"

const (
	// WindowSize is the number of sequence numbers tracked by a Bitmap.
	WindowSize = 64
	// ExpectedSeqnoRange bounds a forward jump that still counts as the same running counter.
	ExpectedSeqnoRange = 65536

	TQMax              = 255
	TQGlobalWindowSize = 5
	// TQTotalBidirectLimit is the minimum TQ for a link to count as bidirectional.
	TQTotalBidirectLimit = 1
	BondingTQThreshold   = 50

	BcastQueueLen = 256
	// NumBcasts is how many times a flooded broadcast is sent on each interface.
	NumBcasts = 3

	TTOGMAppendMax = 3
	FragBufferSize = 6
	// RoamingMaxCount limits roaming advertisements per client within RoamingMaxTime.
	RoamingMaxCount = 5

	// SecondaryTTL is the TTL of OGMs originated on non-primary interfaces.
	SecondaryTTL = 2
)

var (
	OrigInterval     = time.Second
	OrigJitter       = 20 * time.Millisecond
	HopPenalty       = uint8(30)
	BcastDelay       = 5 * time.Millisecond
	PurgeTimeout     = 200 * time.Second
	PurgeInterval    = time.Second
	ResetProtection  = 30 * time.Second
	FragTimeout      = 10 * time.Second
	TTRequestTimeout = 3 * time.Second
	// LocalTTTimeout expires learned local clients that stopped sending.
	LocalTTTimeout = 600 * time.Second
	RoamingMaxTime = 20 * time.Second
	PingTimeout    = 2 * time.Second

	DefaultMTU        = 1500
	MinMTU            = 256
	DefaultSocketPath = "/run/lattice.sock"
)
