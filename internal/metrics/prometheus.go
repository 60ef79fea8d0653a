package metrics

import (
	"sort"
	"strconv"
	"strings"
)

// PrometheusFormat exports all metrics in Prometheus text exposition format.
// See: https://prometheus.io/docs/instrumenting/exposition_formats/
func (m *Metrics) PrometheusFormat() string {
	var sb strings.Builder

	// Hub metrics
	writeGauge(&sb, m.ActiveSessions)
	writeCounter(&sb, m.SessionsTotal)
	writeCounterVec(&sb, m.SessionsClosed)
	writeCounter(&sb, m.MessagesDispatched)
	writeCounter(&sb, m.MessagesDropped)
	writeHistogram(&sb, m.BroadcastFanout, true)
	writeCounterVec(&sb, m.FilterUpdates)
	writeGaugeVec(&sb, m.SessionFilters)

	// Endpoint metrics
	writeCounter(&sb, m.IngestBatches)
	writeCounterVec(&sb, m.IngestEntries)
	writeCounter(&sb, m.ClientDropped)
	writeHistogram(&sb, m.StreamDurationMs, true)

	// Bus metrics
	writeCounterVec(&sb, m.BusEventsPublished)
	writeHistogramVec(&sb, m.BusEventLatency)
	writeCounterVec(&sb, m.BusErrors)
	writeCounterVec(&sb, m.BusEventsDelivered)

	// HTTP metrics
	writeCounterVec(&sb, m.HTTPRequests)
	writeHistogramVec(&sb, m.HTTPDuration)
	writeGauge(&sb, m.HTTPRequestsInFlight)
	writeHistogramVec(&sb, m.HTTPRequestSize)

	// System metrics
	writeGauge(&sb, m.GoroutineCount)
	writeGauge(&sb, m.MemoryUsage)
	writeGauge(&sb, m.Uptime)

	return sb.String()
}

func writeHeader(sb *strings.Builder, name, help, kind string) {
	sb.WriteString("# HELP ")
	sb.WriteString(name)
	sb.WriteString(" ")
	sb.WriteString(help)
	sb.WriteString("\n")

	sb.WriteString("# TYPE ")
	sb.WriteString(name)
	sb.WriteString(" ")
	sb.WriteString(kind)
	sb.WriteString("\n")
}

// writeCounter writes a counter in Prometheus format.
func writeCounter(sb *strings.Builder, c *Counter) {
	writeHeader(sb, c.Name(), c.Help(), "counter")
	writeSample(sb, c.Name(), c.Labels(), strconv.FormatInt(c.Value(), 10))
}

// writeGauge writes a gauge in Prometheus format.
func writeGauge(sb *strings.Builder, g *Gauge) {
	writeHeader(sb, g.Name(), g.Help(), "gauge")
	writeSample(sb, g.Name(), g.Labels(), formatFloat(g.Value()))
}

// writeHistogram writes a histogram in Prometheus format, optionally with
// its HELP/TYPE header.
func writeHistogram(sb *strings.Builder, h *Histogram, header bool) {
	if header {
		writeHeader(sb, h.Name(), h.Help(), "histogram")
	}

	labels := h.Labels()
	buckets := h.Buckets()
	counts := h.BucketCounts()

	for i, bucket := range buckets {
		writeSample(sb, h.Name()+"_bucket", withLabel(labels, "le", formatFloat(bucket)), strconv.FormatInt(counts[i], 10))
	}
	writeSample(sb, h.Name()+"_bucket", withLabel(labels, "le", "+Inf"), strconv.FormatInt(counts[len(counts)-1], 10))

	writeSample(sb, h.Name()+"_sum", labels, formatFloat(h.Sum()))
	writeSample(sb, h.Name()+"_count", labels, strconv.FormatInt(h.Count(), 10))
}

// writeCounterVec writes a counter vector in Prometheus format.
func writeCounterVec(sb *strings.Builder, cv *CounterVec) {
	counters := cv.GetAll()
	if len(counters) == 0 {
		return
	}

	writeHeader(sb, cv.Name(), cv.Help(), "counter")
	for _, c := range counters {
		writeSample(sb, c.Name(), c.Labels(), strconv.FormatInt(c.Value(), 10))
	}
}

// writeGaugeVec writes a gauge vector in Prometheus format.
func writeGaugeVec(sb *strings.Builder, gv *GaugeVec) {
	gauges := gv.GetAll()
	if len(gauges) == 0 {
		return
	}

	writeHeader(sb, gv.Name(), gv.Help(), "gauge")
	for _, g := range gauges {
		writeSample(sb, g.Name(), g.Labels(), formatFloat(g.Value()))
	}
}

// writeHistogramVec writes a histogram vector in Prometheus format.
func writeHistogramVec(sb *strings.Builder, hv *HistogramVec) {
	histograms := hv.GetAll()
	if len(histograms) == 0 {
		return
	}

	writeHeader(sb, hv.Name(), hv.Help(), "histogram")
	for _, h := range histograms {
		writeHistogram(sb, h, false)
	}
}

func writeSample(sb *strings.Builder, name string, labels map[string]string, value string) {
	sb.WriteString(name)
	writeLabels(sb, labels)
	sb.WriteString(" ")
	sb.WriteString(value)
	sb.WriteString("\n")
}

// writeLabels writes labels in Prometheus format {key="value",key2="value2"}.
func writeLabels(sb *strings.Builder, labels map[string]string) {
	if len(labels) == 0 {
		return
	}

	// Sort keys for stable output
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sb.WriteString("{")
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(k)
		sb.WriteString("=\"")
		sb.WriteString(escapeString(labels[k]))
		sb.WriteString("\"")
	}
	sb.WriteString("}")
}

func withLabel(labels map[string]string, key, value string) map[string]string {
	out := copyLabels(labels)
	out[key] = value
	return out
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// escapeString escapes special characters in label values.
func escapeString(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}
