// ABOUTME: Clock offset math and filtered estimates for one peer link
// ABOUTME: Four-timestamp samples kept in a ring and reduced by a trimmed mean
package sync

import (
	"sort"
	"time"
)

const (
	// SampleCapacity is how many samples a ring keeps per link
	SampleCapacity = 10

	// MaxPlausibleOffset is the largest offset (μs) accepted from a single sample
	MaxPlausibleOffset = 10_000_000

	// trimRatio is the share of samples dropped at each end of the RTT ordering
	trimRatio = 0.2
)

// Sample is one round-trip measurement, in microseconds
type Sample struct {
	RoundTrip int64
	Offset    int64
}

// Estimate is the filtered view of a link's clock, in microseconds.
// Offset is the value to add to local time to obtain the remote's time.
type Estimate struct {
	RoundTrip int64
	Offset    int64
}

// Quality represents sync quality
type Quality int

const (
	QualityGood Quality = iota
	QualityDegraded
	QualityLost
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityDegraded:
		return "degraded"
	default:
		return "lost"
	}
}

// calculateOffset computes RTT and clock offset
func calculateOffset(t1, t2, t3, t4 int64) (rtt, offset int64) {
	// Round-trip time
	rtt = (t4 - t1) - (t3 - t2)

	// Estimated offset (positive = responder ahead of initiator)
	offset = ((t2 - t1) + (t3 - t4)) / 2

	return
}

// CalculateOffset returns the raw RTT and offset of one exchange
func CalculateOffset(t1, t2, t3, t4 int64) (rtt, offset int64) {
	return calculateOffset(t1, t2, t3, t4)
}

// NewSample builds a sample from one exchange and applies the sanity policy:
// an implausible offset is zeroed and a negative RTT is made positive.
func NewSample(t1, t2, t3, t4 int64) Sample {
	rtt, offset := calculateOffset(t1, t2, t3, t4)
	return sanitize(Sample{RoundTrip: rtt, Offset: offset})
}

func sanitize(s Sample) Sample {
	if s.Offset > MaxPlausibleOffset || s.Offset < -MaxPlausibleOffset {
		s.Offset = 0
	}
	if s.RoundTrip < 0 {
		s.RoundTrip = -s.RoundTrip
	}
	return s
}

// SampleRing is a fixed-capacity FIFO of samples. Not safe for concurrent use.
type SampleRing struct {
	buf   [SampleCapacity]Sample
	start int
	count int
}

// Add appends a sample, evicting the oldest when full
func (r *SampleRing) Add(s Sample) {
	if r.count < SampleCapacity {
		r.buf[(r.start+r.count)%SampleCapacity] = s
		r.count++
		return
	}
	r.buf[r.start] = s
	r.start = (r.start + 1) % SampleCapacity
}

// Len returns the number of buffered samples
func (r *SampleRing) Len() int {
	return r.count
}

// Samples returns the buffered samples, oldest first
func (r *SampleRing) Samples() []Sample {
	out := make([]Sample, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.start+i)%SampleCapacity]
	}
	return out
}

// Latest returns the most recently added sample
func (r *SampleRing) Latest() (Sample, bool) {
	if r.count == 0 {
		return Sample{}, false
	}
	return r.buf[(r.start+r.count-1)%SampleCapacity], true
}

// Estimate sorts by RTT, trims 20% from each end (floored) and averages the
// rest. Falls back to the latest sample when trimming leaves nothing.
func (r *SampleRing) Estimate() Estimate {
	if r.count == 0 {
		return Estimate{}
	}

	sorted := r.Samples()
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].RoundTrip < sorted[j].RoundTrip
	})

	trim := int(float64(len(sorted)) * trimRatio)
	kept := sorted[trim : len(sorted)-trim]
	if len(kept) == 0 {
		latest, _ := r.Latest()
		return Estimate{RoundTrip: latest.RoundTrip, Offset: latest.Offset}
	}

	var rttSum, offsetSum int64
	for _, s := range kept {
		rttSum += s.RoundTrip
		offsetSum += s.Offset
	}
	n := int64(len(kept))
	return Estimate{RoundTrip: rttSum / n, Offset: offsetSum / n}
}

// RemoteToLocal converts a timestamp in the remote's time base (μs) to local
func (e Estimate) RemoteToLocal(remote int64) int64 {
	return remote - e.Offset
}

// LocalToRemote converts a local timestamp (μs) to the remote's time base
func (e Estimate) LocalToRemote(local int64) int64 {
	return local + e.Offset
}

// ClientMicros returns raw Unix epoch time in microseconds.
// Only wall-clock time is comparable across devices, so probes use this.
func ClientMicros() int64 {
	return time.Now().UnixMicro()
}

// LocalDeadline turns a local wall-clock timestamp (μs) into a point on the
// monotonic clock, suitable for timers.
func LocalDeadline(localMicros int64) time.Time {
	delay := time.Duration(localMicros-ClientMicros()) * time.Microsecond
	return time.Now().Add(delay)
}

const (
	// DefaultLeadTime is the margin given to receivers of a scheduled command
	DefaultLeadTime = 500 * time.Millisecond

	// ProtocolLeadTime is the margin a host gives a joiner's playback snapshot
	ProtocolLeadTime = 300 * time.Millisecond
)

// ComputeFutureDeadline returns now plus lead on the monotonic clock.
// A zero lead selects DefaultLeadTime.
func ComputeFutureDeadline(lead time.Duration) time.Time {
	if lead <= 0 {
		lead = DefaultLeadTime
	}
	return time.Now().Add(lead)
}

// FutureMicros is ComputeFutureDeadline expressed in wall-clock microseconds,
// which is what goes on the wire.
func FutureMicros(lead time.Duration) int64 {
	return ComputeFutureDeadline(lead).UnixMicro()
}
