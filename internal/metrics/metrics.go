package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"worldaudit.ai/internal/persistence/indexdb"
	"worldaudit.ai/internal/persistence/r2s3"
	"worldaudit.ai/internal/recording"
)

// Sources are polled on every scrape. Nil sources are skipped.
type Sources struct {
	Queue  func() recording.Stats
	SQLite func() indexdb.Stats
	D1     func() indexdb.D1Stats
	Mirror func() r2s3.Stats
}

// Collector exports recorder stats. Everything is read at scrape time, so the hot paths only
// bump their own atomic counters.
type Collector struct {
	src Sources

	queueDepth    *prometheus.Desc
	queueCapacity *prometheus.Desc
	queueEvents   *prometheus.Desc
	lastSeq       *prometheus.Desc
	unresolved    *prometheus.Desc
	sqliteEvents  *prometheus.Desc
	sqliteLost    *prometheus.Desc
	d1Pending     *prometheus.Desc
	d1Events      *prometheus.Desc
	mirrorDepth   *prometheus.Desc
	mirrorEvents  *prometheus.Desc
	mirrorLastOK  *prometheus.Desc
}

func NewCollector(worldID string, src Sources) *Collector {
	constLabels := prometheus.Labels{"world": worldID}
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc("worldaudit_"+name, help, labels, constLabels)
	}
	return &Collector{
		src:           src,
		queueDepth:    desc("queue_depth", "Records waiting in the recording queue."),
		queueCapacity: desc("queue_capacity", "Recording queue capacity."),
		queueEvents:   desc("queue_events_total", "Recording queue events by kind.", "event"),
		lastSeq:       desc("last_seq", "Last sequence number written to the sinks."),
		unresolved:    desc("records_unresolved_total", "Finalized builders that did not resolve to a record."),
		sqliteEvents:  desc("index_sqlite_events_total", "SQLite index events by kind.", "event"),
		sqliteLost:    desc("index_sqlite_lost_from_seq", "Lowest seq missing from the SQLite index after a failed write, 0 if none."),
		d1Pending:     desc("index_d1_pending", "Records buffered for the D1 ingest endpoint."),
		d1Events:      desc("index_d1_events_total", "D1 index events by kind.", "event"),
		mirrorDepth:   desc("mirror_queue_depth", "Closed segments waiting for upload."),
		mirrorEvents:  desc("mirror_events_total", "Segment mirror events by kind.", "event"),
		mirrorLastOK:  desc("mirror_last_success_unix", "Unix time of the last successful segment upload."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.queueDepth, c.queueCapacity, c.queueEvents, c.lastSeq, c.unresolved,
		c.sqliteEvents, c.sqliteLost, c.d1Pending, c.d1Events,
		c.mirrorDepth, c.mirrorEvents, c.mirrorLastOK,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.src.Queue != nil {
		s := c.src.Queue()
		ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(s.QueueDepth))
		ch <- prometheus.MustNewConstMetric(c.queueCapacity, prometheus.GaugeValue, float64(s.QueueCapacity))
		ch <- prometheus.MustNewConstMetric(c.lastSeq, prometheus.GaugeValue, float64(s.LastSeq))
		ch <- prometheus.MustNewConstMetric(c.unresolved, prometheus.CounterValue, float64(s.UnresolvedTotal))
		for _, kv := range []struct {
			event string
			v     uint64
		}{
			{"enqueued", s.EnqueuedTotal},
			{"saturated", s.QueueSaturatedTotal},
			{"dropped", s.DroppedTotal},
			{"written", s.WrittenTotal},
			{"sink_error", s.SinkErrorTotal},
			{"flush", s.FlushTotal},
		} {
			ch <- prometheus.MustNewConstMetric(c.queueEvents, prometheus.CounterValue, float64(kv.v), kv.event)
		}
	}
	if c.src.SQLite != nil {
		s := c.src.SQLite()
		ch <- prometheus.MustNewConstMetric(c.sqliteEvents, prometheus.CounterValue, float64(s.InsertedTotal), "inserted")
		ch <- prometheus.MustNewConstMetric(c.sqliteEvents, prometheus.CounterValue, float64(s.CommitTotal), "commit")
		ch <- prometheus.MustNewConstMetric(c.sqliteEvents, prometheus.CounterValue, float64(s.FailTotal), "fail")
		ch <- prometheus.MustNewConstMetric(c.sqliteEvents, prometheus.CounterValue, float64(s.LostTotal), "lost")
		ch <- prometheus.MustNewConstMetric(c.sqliteLost, prometheus.GaugeValue, float64(s.LostFromSeq))
	}
	if c.src.D1 != nil {
		s := c.src.D1()
		ch <- prometheus.MustNewConstMetric(c.d1Pending, prometheus.GaugeValue, float64(s.Pending))
		ch <- prometheus.MustNewConstMetric(c.d1Events, prometheus.CounterValue, float64(s.SentTotal), "sent")
		ch <- prometheus.MustNewConstMetric(c.d1Events, prometheus.CounterValue, float64(s.FlushFailTotal), "flush_fail")
		ch <- prometheus.MustNewConstMetric(c.d1Events, prometheus.CounterValue, float64(s.QueueDroppedTotal), "dropped")
	}
	if c.src.Mirror != nil {
		s := c.src.Mirror()
		ch <- prometheus.MustNewConstMetric(c.mirrorDepth, prometheus.GaugeValue, float64(s.QueueDepth))
		ch <- prometheus.MustNewConstMetric(c.mirrorLastOK, prometheus.GaugeValue, float64(s.LastSuccessUnix))
		for _, kv := range []struct {
			event string
			v     uint64
		}{
			{"enqueued", s.EnqueuedTotal},
			{"saturated", s.QueueSaturatedTotal},
			{"dropped", s.DroppedTotal},
			{"upload_ok", s.UploadSuccessTotal},
			{"upload_fail", s.UploadFailTotal},
		} {
			ch <- prometheus.MustNewConstMetric(c.mirrorEvents, prometheus.CounterValue, float64(kv.v), kv.event)
		}
	}
}
