package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ReplyChannel carries raw reply bytes from the dispatcher to one origin
// adapter. A slave state travels as two consecutive values: StatusMarker
// followed by the state code. Only the dispatcher writes to a reply channel,
// which keeps the pair adjacent.
type ReplyChannel chan byte

// StatusMarker announces that the next value on a ReplyChannel is a slave
// state code rather than an echoed command kind.
const StatusMarker byte = 0xFE

// ReplyCapacity is the buffer size of every adapter's reply channel.
const ReplyCapacity = 5

// stateFollowTimeout bounds the wait for the state code after a marker.
const stateFollowTimeout = time.Second

var ErrReplyFull = errors.New("reply queue full")

// Reply is a decoded reply value.
type Reply struct {
	Kind         Kind
	SlaveState   byte
	IsSlaveState bool
}

func (r Reply) String() string {
	if r.IsSlaveState {
		return fmt.Sprintf("slave state %d", r.SlaveState)
	}
	return r.Kind.String()
}

// Bytes re-encodes the reply using the marker convention.
func (r Reply) Bytes() []byte {
	if r.IsSlaveState {
		return []byte{StatusMarker, r.SlaveState}
	}
	return []byte{byte(r.Kind)}
}

// NewReplyChannel allocates a reply channel with the standard capacity.
func NewReplyChannel() ReplyChannel {
	return make(ReplyChannel, ReplyCapacity)
}

// roomPoll is how often SendReplies rechecks a full reply channel.
const roomPoll = 5 * time.Millisecond

// SendReplies pushes values as one unit: it waits at most timeout until the
// channel has room for all of them and otherwise sends none. The caller must
// be the channel's only writer, so room can only grow while it waits.
func SendReplies(ctx context.Context, ch ReplyChannel, timeout time.Duration, values ...byte) error {
	if len(values) > cap(ch) {
		return ErrReplyFull
	}

	if cap(ch)-len(ch) < len(values) {
		deadline := time.NewTimer(timeout)
		defer deadline.Stop()
		ticker := time.NewTicker(roomPoll)
		defer ticker.Stop()

		for cap(ch)-len(ch) < len(values) {
			select {
			case <-ticker.C:
			case <-deadline.C:
				return ErrReplyFull
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	for _, v := range values {
		ch <- v
	}
	return nil
}

// ReadReply waits up to wait for the next reply. A non-positive wait blocks
// until ctx is done. ok is false when nothing complete arrived.
func ReadReply(ctx context.Context, ch ReplyChannel, wait time.Duration) (r Reply, ok bool) {
	var timeout <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	var first byte
	select {
	case first = <-ch:
	case <-timeout:
		return Reply{}, false
	case <-ctx.Done():
		return Reply{}, false
	}

	if first != StatusMarker {
		return Reply{Kind: Kind(first)}, true
	}

	follow := time.NewTimer(stateFollowTimeout)
	defer follow.Stop()

	select {
	case state := <-ch:
		return Reply{SlaveState: state, IsSlaveState: true}, true
	case <-follow.C:
		return Reply{}, false
	case <-ctx.Done():
		return Reply{}, false
	}
}
