// Fail2ban NG - A Swiss made, intrusion prevention daemon.
//
// Copyright (C) 2026 Swissmakers GmbH (https://swissmakers.ch)
//
// Licensed under the GNU General Public License, Version 3 (GPL-3.0)
// You may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/gpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exports jail counters in the Prometheus format.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/swissmakers/fail2ban-ng/internal/jail"
)

const namespace = "fail2ban"

// =========================================================================
//  Metrics
// =========================================================================

// Counters fed by jail events plus gauges read from the jail registry.
type Metrics struct {
	reg *prometheus.Registry

	failures *prometheus.CounterVec
	bans     *prometheus.CounterVec
	unbans   *prometheus.CounterVec
	prolongs *prometheus.CounterVec
	banTime  *prometheus.HistogramVec
}

// Creates the metrics of the jails in r; r may be nil.
func New(r *jail.Jails) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Failures counted by the filter of a jail.",
		}, []string{"jail"}),
		bans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bans_total",
			Help:      "Bans issued by a jail.",
		}, []string{"jail", "restored"}),
		unbans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unbans_total",
			Help:      "Bans lifted by a jail.",
		}, []string{"jail"}),
		prolongs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prolongs_total",
			Help:      "Active bans prolonged by the ban time increment.",
		}, []string{"jail"}),
		banTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ban_time_seconds",
			Help:      "Ban time of new bans; permanent bans are not observed.",
			Buckets:   prometheus.ExponentialBuckets(60, 4, 8),
		}, []string{"jail"}),
	}
	m.reg.MustRegister(
		m.failures, m.bans, m.unbans, m.prolongs, m.banTime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if r != nil {
		m.reg.MustRegister(&jailCollector{jails: r})
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Subscribes to the events of j.
func (m *Metrics) Observe(j *jail.Jail) {
	j.AddListener(m.Record)
}

// Counts one jail event.
func (m *Metrics) Record(ev jail.Event) {
	switch ev.Kind {
	case jail.EventFailure:
		m.failures.WithLabelValues(ev.Jail).Inc()
	case jail.EventBan:
		m.bans.WithLabelValues(ev.Jail, strconv.FormatBool(ev.Restored)).Inc()
		if ev.BanTime > 0 {
			m.banTime.WithLabelValues(ev.Jail).Observe(float64(ev.BanTime))
		}
	case jail.EventUnban:
		m.unbans.WithLabelValues(ev.Jail).Inc()
	case jail.EventProlong:
		m.prolongs.WithLabelValues(ev.Jail).Inc()
	}
}

// Drops the series of a removed jail.
func (m *Metrics) Forget(name string) {
	labels := prometheus.Labels{"jail": name}
	m.failures.DeletePartialMatch(labels)
	m.bans.DeletePartialMatch(labels)
	m.unbans.DeletePartialMatch(labels)
	m.prolongs.DeletePartialMatch(labels)
	m.banTime.DeletePartialMatch(labels)
}

// =========================================================================
//  Jail gauges
// =========================================================================

var (
	descBanned = prometheus.NewDesc(namespace+"_jail_banned",
		"Addresses currently banned by a jail.", []string{"jail"}, nil)
	descFailed = prometheus.NewDesc(namespace+"_jail_failed",
		"Addresses with failures below the threshold.", []string{"jail"}, nil)
	descQueued = prometheus.NewDesc(namespace+"_jail_queued",
		"Tickets waiting for the actions worker.", []string{"jail"}, nil)
	descUp = prometheus.NewDesc(namespace+"_jail_up",
		"Whether the jail is started.", []string{"jail"}, nil)
)

type jailCollector struct {
	jails *jail.Jails
}

func (c *jailCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descBanned
	ch <- descFailed
	ch <- descQueued
	ch <- descUp
}

func (c *jailCollector) Collect(ch chan<- prometheus.Metric) {
	for _, j := range c.jails.All() {
		up := 0.0
		if j.IsAlive() {
			up = 1
		}
		ch <- prometheus.MustNewConstMetric(descBanned, prometheus.GaugeValue,
			float64(j.Actions().BanManager().Size()), j.Name())
		ch <- prometheus.MustNewConstMetric(descFailed, prometheus.GaugeValue,
			float64(j.FailManager().Size()), j.Name())
		ch <- prometheus.MustNewConstMetric(descQueued, prometheus.GaugeValue,
			float64(j.QueueLen()), j.Name())
		ch <- prometheus.MustNewConstMetric(descUp, prometheus.GaugeValue, up, j.Name())
	}
}
