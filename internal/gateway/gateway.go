// Package gateway deletes messages on the chat platform.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Outcome is the result of a successful delete call.
type Outcome int

const (
	// OutcomeDeleted means the platform removed the message.
	OutcomeDeleted Outcome = iota
	// OutcomeNotFound means the message was already gone; callers treat it as success.
	OutcomeNotFound
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDeleted:
		return "deleted"
	case OutcomeNotFound:
		return "not_found"
	}
	return "unknown"
}

// ErrGatewayFailure wraps every transport, permission or timeout failure.
var ErrGatewayFailure = errors.New("gateway failure")

// Deleter removes one message from a channel.
type Deleter interface {
	Delete(ctx context.Context, channelID, messageID string) (Outcome, error)
}

// DeleterFunc adapts a function to the Deleter interface.
type DeleterFunc func(ctx context.Context, channelID, messageID string) (Outcome, error)

func (f DeleterFunc) Delete(ctx context.Context, channelID, messageID string) (Outcome, error) {
	return f(ctx, channelID, messageID)
}

// Failure wraps err so that errors.Is(err, ErrGatewayFailure) holds.
func Failure(err error) error {
	if err == nil || errors.Is(err, ErrGatewayFailure) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrGatewayFailure, err)
}

// MessageKey builds the tracked identity of a platform message. Message numbers
// are only unique inside one chat, so the chat is part of the key.
func MessageKey(chatID int64, messageID int) string {
	return strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(messageID)
}

// ParseMessageKey splits a key produced by MessageKey.
func ParseMessageKey(key string) (int64, int, error) {
	i := strings.LastIndex(key, ":")
	if i <= 0 {
		return 0, 0, fmt.Errorf("malformed message key %q", key)
	}
	chatID, err := strconv.ParseInt(key[:i], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed chat id in %q: %w", key, err)
	}
	messageID, err := strconv.Atoi(key[i+1:])
	if err != nil {
		return 0, 0, fmt.Errorf("malformed message id in %q: %w", key, err)
	}
	return chatID, messageID, nil
}
