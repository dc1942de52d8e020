/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package prometheus

import (
	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/marketmesh/engine/pkg/api"
)

// Provider creates metrics instruments backed by a prometheus registerer.
type Provider struct {
	Registry prom.Registerer
}

// NewProvider returns a Provider registering into the given registerer, or
// the default one when nil.
func NewProvider(registry prom.Registerer) *Provider {
	if registry == nil {
		registry = prom.DefaultRegisterer
	}
	return &Provider{Registry: registry}
}

func (p *Provider) NewCounter(o api.CounterOpts) api.Counter {
	vec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: o.Namespace,
		Subsystem: o.Subsystem,
		Name:      o.Name,
		Help:      o.Help,
	}, o.LabelNames)
	p.Registry.MustRegister(vec)
	return &Counter{vec: vec, labels: map[string]string{}}
}

func (p *Provider) NewGauge(o api.GaugeOpts) api.Gauge {
	vec := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: o.Namespace,
		Subsystem: o.Subsystem,
		Name:      o.Name,
		Help:      o.Help,
	}, o.LabelNames)
	p.Registry.MustRegister(vec)
	return &Gauge{vec: vec, labels: map[string]string{}}
}

func (p *Provider) NewHistogram(o api.HistogramOpts) api.Histogram {
	buckets := o.Buckets
	if len(buckets) == 0 {
		buckets = prom.DefBuckets
	}
	vec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: o.Namespace,
		Subsystem: o.Subsystem,
		Name:      o.Name,
		Help:      o.Help,
		Buckets:   buckets,
	}, o.LabelNames)
	p.Registry.MustRegister(vec)
	return &Histogram{vec: vec, labels: map[string]string{}}
}

type Counter struct {
	vec    *prom.CounterVec
	labels map[string]string
}

func (c *Counter) With(labelValues ...string) api.Counter {
	return &Counter{vec: c.vec, labels: mergeLabels(c.labels, labelValues)}
}

func (c *Counter) Add(delta float64) {
	c.vec.With(prom.Labels(c.labels)).Add(delta)
}

type Gauge struct {
	vec    *prom.GaugeVec
	labels map[string]string
}

func (g *Gauge) With(labelValues ...string) api.Gauge {
	return &Gauge{vec: g.vec, labels: mergeLabels(g.labels, labelValues)}
}

func (g *Gauge) Add(delta float64) {
	g.vec.With(prom.Labels(g.labels)).Add(delta)
}

func (g *Gauge) Set(value float64) {
	g.vec.With(prom.Labels(g.labels)).Set(value)
}

type Histogram struct {
	vec    *prom.HistogramVec
	labels map[string]string
}

func (h *Histogram) With(labelValues ...string) api.Histogram {
	return &Histogram{vec: h.vec, labels: mergeLabels(h.labels, labelValues)}
}

func (h *Histogram) Observe(value float64) {
	h.vec.With(prom.Labels(h.labels)).Observe(value)
}

func mergeLabels(base map[string]string, labelValues []string) map[string]string {
	out := make(map[string]string, len(base)+len(labelValues)/2)
	for k, v := range base {
		out[k] = v
	}
	for i := 0; i+1 < len(labelValues); i += 2 {
		out[labelValues[i]] = labelValues[i+1]
	}
	return out
}
