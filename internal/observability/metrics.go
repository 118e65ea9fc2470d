package observability

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "ibbench"
	metricsSubsystem = "scoring"
)

// ScoringMetrics exposes Prometheus collectors that report scoring activity.
// A nil *ScoringMetrics is valid and records nothing.
type ScoringMetrics struct {
	tasks        *prometheus.CounterVec
	judgeCalls   *prometheus.CounterVec
	escalations  *prometheus.CounterVec
	criteria     *prometheus.CounterVec
	issues       *prometheus.CounterVec
	scorePercent prometheus.Histogram
	taskDuration prometheus.Histogram
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *ScoringMetrics
)

// DefaultScoringMetrics returns the instance registered with the global registry.
// Collectors are created once so repeated scorers do not trigger duplicate
// registration panics.
func DefaultScoringMetrics() *ScoringMetrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewScoringMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewScoringMetrics constructs the collectors and registers them with reg.
// Registration errors other than AlreadyRegistered panic.
func MustNewScoringMetrics(reg prometheus.Registerer) *ScoringMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &ScoringMetrics{
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "tasks_total",
			Help:      "Tasks processed by the run scorer, by outcome.",
		}, []string{"outcome"}),
		judgeCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "judge_calls_total",
			Help:      "Calls made to the judge, by result.",
		}, []string{"result"}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "escalations_total",
			Help:      "Judged criteria handed to a human operator, by reason.",
		}, []string{"reason"}),
		criteria: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "criteria_total",
			Help:      "Criterion results produced, by match type and result.",
		}, []string{"type", "result"}),
		issues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "issues_total",
			Help:      "Recoverable conditions met while scoring, by reason.",
		}, []string{"reason"}),
		scorePercent: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "task_score_percent",
			Help:      "Distribution of task score percentages.",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "task_duration_seconds",
			Help:      "Wall time spent scoring one task, judge calls included.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	collectors := []prometheus.Collector{m.tasks, m.judgeCalls, m.escalations, m.criteria, m.scorePercent, m.taskDuration, m.issues}
	for i, collector := range collectors {
		err := reg.Register(collector)
		if err == nil {
			continue
		}
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			panic(fmt.Sprintf("register scoring metrics: %v", err))
		}
		switch i {
		case 0:
			m.tasks = already.ExistingCollector.(*prometheus.CounterVec)
		case 1:
			m.judgeCalls = already.ExistingCollector.(*prometheus.CounterVec)
		case 2:
			m.escalations = already.ExistingCollector.(*prometheus.CounterVec)
		case 3:
			m.criteria = already.ExistingCollector.(*prometheus.CounterVec)
		case 4:
			m.scorePercent = already.ExistingCollector.(prometheus.Histogram)
		case 5:
			m.taskDuration = already.ExistingCollector.(prometheus.Histogram)
		case 6:
			m.issues = already.ExistingCollector.(*prometheus.CounterVec)
		}
	}
	return m
}

// ObserveTask records one processed task. scorePercent is ignored for outcomes
// that did not produce a score.
func (m *ScoringMetrics) ObserveTask(outcome string, scorePercent float64, scored bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(outcome).Inc()
	if scored {
		m.scorePercent.Observe(scorePercent)
	}
	if elapsed > 0 {
		m.taskDuration.Observe(elapsed.Seconds())
	}
}

// JudgeCall records a judge invocation result ("ok" or an error reason).
func (m *ScoringMetrics) JudgeCall(result string) {
	if m == nil {
		return
	}
	m.judgeCalls.WithLabelValues(result).Inc()
}

// Escalation records criteria handed to a human.
func (m *ScoringMetrics) Escalation(reason string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.escalations.WithLabelValues(reason).Add(float64(count))
}

// Criterion records one criterion result.
func (m *ScoringMetrics) Criterion(kind string, passed bool) {
	if m == nil {
		return
	}
	result := "fail"
	if passed {
		result = "pass"
	}
	m.criteria.WithLabelValues(kind, result).Inc()
}

// Issue records a recoverable condition, labelled with errors.Reason.
func (m *ScoringMetrics) Issue(reason string) {
	if m == nil {
		return
	}
	m.issues.WithLabelValues(reason).Inc()
}
