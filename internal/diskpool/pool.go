// Package diskpool implements the pooled I/O dispatcher that every on-disk
// structure in blobkv issues its reads and writes through. A single backing
// file is shared by many concurrently executing blob operations; this
// package is what keeps the number of in-flight pread/pwrite syscalls
// bounded instead of letting callers stampede the disk.
package diskpool

import (
	"sync"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"

	"github.com/chipstorage/blobkv/internal/logging"
)

// Action is a single pread or pwrite against the dispatcher's backing file.
// Done is invoked exactly once, after the syscall completes successfully
// and after the dispatcher has pumped its queue for more work; it is always
// passed nil. A failed or short syscall is fatal to the process (logged
// through Fatalf), so Done is never invoked for it.
type Action struct {
	Fd     int
	Read   bool
	Buf    []byte
	Offset int64
	Done   func(error)
}

// Producer is the queue a Dispatcher pulls actions from. Implementations
// must be safe to call from the dispatcher's own goroutines; Len and Pop
// are always called with the producer's own lock (if any) free to take.
type Producer interface {
	Len() int
	Pop() Action
}

// Dispatcher bounds the number of actions concurrently executing against
// the backing file to maxConcurrent, and the number dequeued-but-not-yet-
// complete to 3*maxConcurrent. Actions beyond that second bound are left on
// the producer's queue until room frees up.
type Dispatcher struct {
	maxConcurrent int
	queueLimit    int
	producer      Producer
	log           *logging.Logger

	sem chan struct{}

	mu struct {
		sync.Mutex
		inFlight int
	}
	metrics *Metrics
	latency *hdrhistogram.Histogram
}

// New constructs a Dispatcher pulling from producer, allowing at most
// maxConcurrent actions to execute their syscall simultaneously.
func New(maxConcurrent int, producer Producer, log *logging.Logger, metrics *Metrics) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	d := &Dispatcher{
		maxConcurrent: maxConcurrent,
		queueLimit:    3 * maxConcurrent,
		producer:      producer,
		log:           log,
		sem:           make(chan struct{}, maxConcurrent),
		metrics:       metrics,
		latency:       hdrhistogram.New(1, 10_000_000, 3),
	}
	return d
}

// NotifyAvailable tells the dispatcher that the producer's queue may have
// gone from empty to non-empty, or that in-flight capacity may have freed
// up. Callers enqueueing work into the producer must call this afterward.
func (d *Dispatcher) NotifyAvailable() {
	d.pump()
}

func (d *Dispatcher) pump() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		if d.mu.inFlight >= d.queueLimit || d.producer.Len() == 0 {
			return
		}
		a := d.producer.Pop()
		d.mu.inFlight++
		if d.metrics != nil {
			d.metrics.QueueDepth.Set(float64(d.mu.inFlight))
		}
		go d.run(a)
	}
}

func (d *Dispatcher) run(a Action) {
	d.sem <- struct{}{}
	if d.metrics != nil {
		d.metrics.InFlight.Inc()
	}

	start := crtime.NowMono()
	var err error
	if a.Read {
		err = pread(a.Fd, a.Buf, a.Offset)
	} else {
		err = pwrite(a.Fd, a.Buf, a.Offset)
	}
	elapsed := start.Elapsed()

	if d.metrics != nil {
		d.metrics.InFlight.Dec()
	}
	<-d.sem

	d.mu.Lock()
	d.mu.inFlight--
	_ = d.latency.RecordValue(elapsed.Microseconds())
	if d.metrics != nil {
		d.metrics.QueueDepth.Set(float64(d.mu.inFlight))
	}
	d.mu.Unlock()
	d.pump()

	if err != nil {
		if d.metrics != nil {
			d.metrics.Failed.Inc()
		}
		d.log.Fatalf("diskpool: I/O failed: %v", err)
	}
	if d.metrics != nil {
		d.metrics.Completed.Inc()
	}
	a.Done(nil)
}

// LatencyMicros returns a point-in-time copy of the read/write latency
// histogram, in microseconds. It is exported for the admin CLI's stats
// subcommand.
func (d *Dispatcher) LatencyMicros() *hdrhistogram.Histogram {
	d.mu.Lock()
	defer d.mu.Unlock()
	return hdrhistogram.Import(d.latency.Export())
}

func pread(fd int, buf []byte, offset int64) error {
	n, err := unix.Pread(fd, buf, offset)
	if err != nil {
		return errors.Wrapf(err, "diskpool: pread at offset %d", offset)
	}
	if n != len(buf) {
		return errors.Newf("diskpool: short read at offset %d: got %d bytes, want %d", offset, n, len(buf))
	}
	return nil
}

func pwrite(fd int, buf []byte, offset int64) error {
	n, err := unix.Pwrite(fd, buf, offset)
	if err != nil {
		return errors.Wrapf(err, "diskpool: pwrite at offset %d", offset)
	}
	if n != len(buf) {
		return errors.Newf("diskpool: short write at offset %d: got %d bytes, want %d", offset, n, len(buf))
	}
	return nil
}

// Metrics groups the Prometheus collectors a Dispatcher reports through.
// Construct with NewMetrics and register with a *prometheus.Registry owned
// by the caller; blobkv never touches the default global registry.
type Metrics struct {
	InFlight   prometheus.Gauge
	QueueDepth prometheus.Gauge
	Completed  prometheus.Counter
	Failed     prometheus.Counter
}

// NewMetrics builds a Metrics set labeled with storeName.
func NewMetrics(storeName string) *Metrics {
	labels := prometheus.Labels{"store": storeName}
	return &Metrics{
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "blobkv",
			Subsystem:   "diskpool",
			Name:        "in_flight",
			Help:        "Number of I/O actions currently executing their syscall.",
			ConstLabels: labels,
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "blobkv",
			Subsystem:   "diskpool",
			Name:        "dequeued",
			Help:        "Number of I/O actions dequeued but not yet complete.",
			ConstLabels: labels,
		}),
		Completed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "blobkv",
			Subsystem:   "diskpool",
			Name:        "completed_total",
			Help:        "Total number of I/O actions that completed successfully.",
			ConstLabels: labels,
		}),
		Failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "blobkv",
			Subsystem:   "diskpool",
			Name:        "failed_total",
			Help:        "Total number of I/O actions that failed (fatal to the process).",
			ConstLabels: labels,
		}),
	}
}

// MustRegister registers every collector in m with reg.
func (m *Metrics) MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(m.InFlight, m.QueueDepth, m.Completed, m.Failed)
}
