package rtctrack

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "rtctrack"

// Metrics exports track statistics to prometheus. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	transitions *prometheus.CounterVec
	collector   *trackCollector
}

// NewMetrics registers the engine collectors with reg.
func NewMetrics(reg prometheus.Registerer, engine *Engine) (*Metrics, error) {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "track_state_transitions_total",
			Help:      "Track state transitions by track kind and new state.",
		}, []string{"kind", "state"}),
		collector: newTrackCollector(engine),
	}
	if err := reg.Register(m.transitions); err != nil {
		return nil, err
	}
	if err := reg.Register(m.collector); err != nil {
		reg.Unregister(m.transitions)
		return nil, err
	}
	return m, nil
}

func (m *Metrics) localTransition(state LocalVideoState) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues("local", state.String()).Inc()
}

func (m *Metrics) remoteTransition(state RemoteVideoState) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues("remote", state.String()).Inc()
}

var (
	localFramesEncodedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "local", "frames_encoded_total"),
		"Frames encoded per local substream.",
		[]string{"track", "stream"}, nil)
	localSentBitrateDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "local", "sent_bitrate_kbps"),
		"Sent bitrate per local substream.",
		[]string{"track", "stream"}, nil)
	localTargetBitrateDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "local", "target_bitrate_kbps"),
		"Congestion-control target bitrate per local substream.",
		[]string{"track", "stream"}, nil)
	remoteFramesDecodedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "remote", "frames_decoded_total"),
		"Frames decoded per remote track.",
		[]string{"track", "uid"}, nil)
	remotePacketsLostDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "remote", "packets_lost_total"),
		"RTP packets lost per remote track.",
		[]string{"track", "uid"}, nil)
	remoteDelayDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "remote", "delay_ms"),
		"Receive side delay per remote track.",
		[]string{"track", "uid"}, nil)
)

// trackCollector reads the lock-free counters of every live track at scrape
// time. It never touches the major worker.
type trackCollector struct {
	engine *Engine
}

func newTrackCollector(engine *Engine) *trackCollector {
	return &trackCollector{engine: engine}
}

func (c *trackCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- localFramesEncodedDesc
	ch <- localSentBitrateDesc
	ch <- localTargetBitrateDesc
	ch <- remoteFramesDecodedDesc
	ch <- remotePacketsLostDesc
	ch <- remoteDelayDesc
}

func (c *trackCollector) Collect(ch chan<- prometheus.Metric) {
	if c.engine == nil {
		return
	}
	for _, t := range c.engine.LocalTracks() {
		for _, s := range t.encoder.Stats().Streams {
			labels := []string{t.ID(), s.Type.String()}
			ch <- prometheus.MustNewConstMetric(localFramesEncodedDesc, prometheus.CounterValue, float64(s.FramesEncoded), labels...)
			ch <- prometheus.MustNewConstMetric(localSentBitrateDesc, prometheus.GaugeValue, float64(s.SentBitrateKbps), labels...)
			ch <- prometheus.MustNewConstMetric(localTargetBitrateDesc, prometheus.GaugeValue, float64(s.TargetBitrateKbps), labels...)
		}
	}
	for _, t := range c.engine.RemoteTracks() {
		d := t.decoder
		labels := []string{t.ID(), t.info.UID}
		ch <- prometheus.MustNewConstMetric(remoteFramesDecodedDesc, prometheus.CounterValue, float64(d.frames.Load()), labels...)
		ch <- prometheus.MustNewConstMetric(remotePacketsLostDesc, prometheus.CounterValue, float64(t.packetsLost()), labels...)
		ch <- prometheus.MustNewConstMetric(remoteDelayDesc, prometheus.GaugeValue, float64(d.delayMs.Load()), labels...)
	}
}
