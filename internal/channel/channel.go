// Package channel defines the chat transport consumed by the orchestrator.
// Adapters normalise their native message shapes into types.Message before
// anything else sees them.
package channel

import "context"

// Sender delivers outbound text to a chat.
type Sender interface {
	Send(ctx context.Context, jid, text string) error
}

// Channel is a connected chat transport.
type Channel interface {
	Sender
	// Connect establishes the transport and calls onReady once it can send.
	Connect(ctx context.Context, onReady func()) error
	// Typing shows a typing indicator in jid.
	Typing(ctx context.Context, jid string) error
	Close() error
}

// TypingStopper is implemented by channels whose typing indicator must be
// cleared explicitly.
type TypingStopper interface {
	StopTyping(ctx context.Context, jid string) error
}

// StopTyping clears the typing indicator of jid when ch supports it.
func StopTyping(ctx context.Context, ch Channel, jid string) {
	if s, ok := ch.(TypingStopper); ok {
		_ = s.StopTyping(ctx, jid)
	}
}
