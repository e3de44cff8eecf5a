package transport

import (
	"context"
	"errors"
	"strings"
)

// Errors a Runtime may return. The first four mean the channel, not the
// message, is the problem and the event should be retried later.
var (
	ErrContextInvalidated  = errors.New("extension context invalidated")
	ErrChannelClosed       = errors.New("message channel closed before a response was received")
	ErrReceiverUnavailable = errors.New("could not establish connection: receiving end does not exist")
	ErrTimeout             = errors.New("message delivery timed out")
	ErrStopped             = errors.New("transport stopped")
)

var contextLostPhrases = []string{
	"context invalidated",
	"receiving end does not exist",
	"message channel closed",
}

// IsContextLost reports whether err means the reporting context went away
// (or did not answer in time) rather than the receiver rejecting the message.
func IsContextLost(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrContextInvalidated) ||
		errors.Is(err, ErrChannelClosed) ||
		errors.Is(err, ErrReceiverUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range contextLostPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}
