package relay

// Frame is one encoded wire message.
type Frame []byte

// Sender is the outbound half of a live connection. Owned by the adapter;
// the adapter must Close() it. TrySend never blocks.
type Sender interface {
	TrySend(Frame) error
	Close()
}
