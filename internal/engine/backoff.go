package engine

import (
	"math/rand/v2"
	"time"

	"github.com/alexjbarnes/dbsync/internal/protocol"
)

// Reconnect delay bounds. Failed connect attempts double the previous
// delay between these limits; fatal causes (protocol violation,
// rejected certificate) wait a flat hour.
const (
	minReconnectDelay   = time.Second
	maxReconnectDelay   = 5 * time.Minute
	fatalReconnectDelay = time.Hour

	// maxDelayDeduction is the fraction of a computed delay that jitter
	// may remove, desynchronizing clients that disconnected together.
	maxDelayDeduction = 0.25

	// pingDelayDeduction is the jitter fraction for keepalive ping
	// scheduling.
	pingDelayDeduction = 0.1
)

// TerminationReason classifies why the previous connection ended. The
// backoff calculator maps it to the next reconnect delay.
type TerminationReason int

const (
	// TerminationClosedVoluntarily covers clean closes initiated by
	// either end, including the all-sessions-suspended idle close.
	TerminationClosedVoluntarily TerminationReason = iota

	// TerminationReadWriteError is a transport failure after a
	// successful connect.
	TerminationReadWriteError

	// TerminationPongTimeout means the server stopped answering pings.
	TerminationPongTimeout

	// TerminationConnectFailed covers resolve, connect, TLS, and
	// connect-timeout failures. Consecutive occurrences double the
	// delay.
	TerminationConnectFailed

	// TerminationServerSaidTryAgain means the server closed with a
	// try_again error, optionally supplying its own backoff sequence.
	TerminationServerSaidTryAgain

	// TerminationFatalError covers protocol violations and other causes
	// where rapid reconnecting cannot help.
	TerminationFatalError
)

// tryAgainBackoff steps through a server-supplied resumption-delay
// sequence: the first delay is the base interval, each subsequent delay
// is multiplied, and the sequence is capped at the maximum. A new
// triggering error code restarts the sequence with the new hints.
type tryAgainBackoff struct {
	info       protocol.ResumptionDelayInfo
	cur        time.Duration
	started    bool
	triggering protocol.ErrorCode
	hasTrigger bool
}

func (b *tryAgainBackoff) update(info *protocol.ErrorInfo) {
	if b.hasTrigger && b.triggering == info.Code {
		return
	}

	if info.ResumptionDelay != nil {
		b.info = *info.ResumptionDelay
	} else {
		b.info = protocol.DefaultResumptionDelayInfo()
	}

	b.cur = 0
	b.started = false
	b.triggering = info.Code
	b.hasTrigger = true
}

func (b *tryAgainBackoff) reset() {
	*b = tryAgainBackoff{}
}

func (b *tryAgainBackoff) next() time.Duration {
	if b.info.Interval == 0 {
		b.info = protocol.DefaultResumptionDelayInfo()
	}

	if !b.started {
		b.started = true
		b.cur = b.info.Interval
		return b.cur
	}

	if b.cur >= b.info.MaxInterval {
		return b.info.MaxInterval
	}

	mult := b.info.Multiplier
	if mult < 2 {
		mult = 2
	}

	b.cur *= time.Duration(mult)
	if b.cur > b.info.MaxInterval {
		b.cur = b.info.MaxInterval
	}

	return b.cur
}

// ReconnectInfo is a connection's retry record: why the last connection
// ended, the last computed delay (doubling input), whether a reset of
// the record has been scheduled by cancelReconnectDelay, and the
// server-supplied try-again sequence.
type ReconnectInfo struct {
	Reason         *TerminationReason
	Delay          time.Duration
	ScheduledReset bool

	tryAgain tryAgainBackoff
}

// Reset clears the record so the next delay computation starts from
// scratch.
func (r *ReconnectInfo) Reset() {
	r.Reason = nil
	r.Delay = 0
	r.ScheduledReset = false
	r.tryAgain.reset()
}

// NoteTryAgain records the server's backoff hints from a try_again
// error.
func (r *ReconnectInfo) NoteTryAgain(info *protocol.ErrorInfo) {
	r.tryAgain.update(info)
}

// NextDelay computes the next reconnect delay, before jitter, and
// records it for the next doubling step. Voluntary closes and pong
// timeouts restart at the floor; failed connects double; server
// try-again hints follow the server's sequence; fatal causes wait a
// flat hour.
func (r *ReconnectInfo) NextDelay() time.Duration {
	if r.Reason == nil {
		return 0
	}

	switch *r.Reason {
	case TerminationClosedVoluntarily, TerminationReadWriteError, TerminationPongTimeout:
		r.Delay = minReconnectDelay
		return r.Delay

	case TerminationConnectFailed:
		delay := r.Delay * 2
		if delay < minReconnectDelay {
			delay = minReconnectDelay
		}
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
		r.Delay = delay
		return delay

	case TerminationServerSaidTryAgain:
		// Recorded as zero so that a subsequent connect failure starts
		// its doubling from the floor rather than from the server hint.
		r.Delay = 0
		return r.tryAgain.next()

	default:
		r.Delay = fatalReconnectDelay
		return r.Delay
	}
}

// jittered removes a uniformly random fraction of the delay, up to
// maxDeduction (0..1).
func jittered(d time.Duration, maxDeduction float64) time.Duration {
	if d <= 0 || maxDeduction <= 0 {
		return d
	}

	deduction := time.Duration(rand.Float64() * maxDeduction * float64(d))

	return d - deduction
}
