package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	displayOnlineDesc = prometheus.NewDesc(
		"display_online",
		"Whether the display is currently connected.",
		[]string{"display_slug"}, nil,
	)
	displayOffsetDesc = prometheus.NewDesc(
		"display_ntp_offset",
		"Clock offset of the display in milliseconds.",
		[]string{"display_slug"}, nil,
	)
	displaysDesc = prometheus.NewDesc(
		"number_of_displays",
		"Number of known displays.",
		nil, nil,
	)
	displaysOnlineDesc = prometheus.NewDesc(
		"number_of_displays_online",
		"Number of connected displays.",
		nil, nil,
	)
)

type displayCollector struct {
	src Source
}

func newDisplayCollector(src Source) *displayCollector {
	return &displayCollector{src: src}
}

func (c *displayCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- displayOnlineDesc
	ch <- displayOffsetDesc
	ch <- displaysDesc
	ch <- displaysOnlineDesc
}

func (c *displayCollector) Collect(ch chan<- prometheus.Metric) {
	displays := c.src.DisplayMetrics()
	online := 0
	for _, d := range displays {
		v := 0.0
		if d.Online {
			v = 1
			online++
		}
		ch <- prometheus.MustNewConstMetric(displayOnlineDesc, prometheus.GaugeValue, v, d.Slug)
		if d.OffsetMS != nil {
			ch <- prometheus.MustNewConstMetric(displayOffsetDesc, prometheus.GaugeValue, *d.OffsetMS, d.Slug)
		}
	}
	ch <- prometheus.MustNewConstMetric(displaysDesc, prometheus.GaugeValue, float64(len(displays)))
	ch <- prometheus.MustNewConstMetric(displaysOnlineDesc, prometheus.GaugeValue, float64(online))
}
