package perf

import (
	"expvar"
	"net/http"

	"github.com/encodeous/metric"
)

var (
	DispatchLatency     = metric.NewHistogram("1m1s")
	ReceiveLatency      = metric.NewHistogram("10s1s")
	SentPacketPerSecond = metric.NewCounter("10s1s")
	RecvPacketPerSecond = metric.NewCounter("10s1s")
	SentBytesPerSecond  = metric.NewCounter("10s1s")
	RecvBytesPerSecond  = metric.NewCounter("10s1s")
	FloodsPerSecond     = metric.NewCounter("10s1s")
	OGMsPerSecond       = metric.NewCounter("10s1s")
)

func init() {
	http.Handle("/debug/metrics", metric.Handler(metric.Exposed))

	expvar.Publish("lattice:SentPacket/s", SentPacketPerSecond)
	expvar.Publish("lattice:RecvPacket/s", RecvPacketPerSecond)
	expvar.Publish("lattice:SentBytes/s", SentBytesPerSecond)
	expvar.Publish("lattice:RecvBytes/s", RecvBytesPerSecond)
	expvar.Publish("lattice:Floods/s", FloodsPerSecond)
	expvar.Publish("lattice:OGMs/s", OGMsPerSecond)
	expvar.Publish("lattice:DispatchLatency (µs)", DispatchLatency)
	expvar.Publish("lattice:ReceiveLatency (µs)", ReceiveLatency)
}
