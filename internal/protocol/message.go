// Package protocol implements the binary frame envelope spoken by the
// tabletop clients: a varuint message tag followed by the payload of the
// document sync or presence sub-protocol.
package protocol

import "fmt"

// MessageType is the leading tag of every frame.
type MessageType uint64

const (
	MessageSync          MessageType = 0
	MessagePresence      MessageType = 1
	MessageQueryPresence MessageType = 3
)

func (t MessageType) String() string {
	switch t {
	case MessageSync:
		return "sync"
	case MessagePresence:
		return "presence"
	case MessageQueryPresence:
		return "query_presence"
	default:
		return fmt.Sprintf("unknown(%d)", uint64(t))
	}
}

// SyncType is the second tag of a sync frame.
type SyncType uint64

const (
	SyncStep1  SyncType = 0
	SyncStep2  SyncType = 1
	SyncUpdate SyncType = 2
)

var (
	// EmptyStateVector asks the peer for its complete state.
	EmptyStateVector = []byte{0}
	// EmptyUpdate is a document update carrying no structs and an empty delete set.
	EmptyUpdate = []byte{0, 0}
)

// Message is a decoded frame. Payload aliases the frame buffer.
type Message struct {
	Type    MessageType
	Sync    SyncType
	Payload []byte
}

// Decode parses the envelope of a single frame. Sub-protocol payloads are
// length-checked but not interpreted.
func Decode(frame []byte) (Message, error) {
	d := NewDecoder(frame)
	tag, err := d.ReadVarUint()
	if err != nil {
		return Message{}, fmt.Errorf("message tag: %w", err)
	}

	msg := Message{Type: MessageType(tag)}
	switch msg.Type {
	case MessageSync:
		st, err := d.ReadVarUint()
		if err != nil {
			return Message{}, fmt.Errorf("sync type: %w", err)
		}
		msg.Sync = SyncType(st)
		if msg.Sync > SyncUpdate {
			return Message{}, fmt.Errorf("unknown sync type %d: %w", st, ErrMalformed)
		}
		if msg.Payload, err = d.ReadVarBytes(); err != nil {
			return Message{}, fmt.Errorf("sync payload: %w", err)
		}
	case MessagePresence:
		if msg.Payload, err = d.ReadVarBytes(); err != nil {
			return Message{}, fmt.Errorf("presence payload: %w", err)
		}
	case MessageQueryPresence:
	default:
		return Message{}, fmt.Errorf("unknown message type %d: %w", tag, ErrMalformed)
	}
	return msg, nil
}

// EncodeSyncStep1 builds a sync step-1 frame carrying a state vector.
func EncodeSyncStep1(stateVector []byte) []byte {
	return encodeSync(SyncStep1, stateVector)
}

// EncodeSyncStep2 builds a sync step-2 frame carrying an update.
func EncodeSyncStep2(update []byte) []byte {
	return encodeSync(SyncStep2, update)
}

// EncodeSyncUpdate builds an incremental update frame.
func EncodeSyncUpdate(update []byte) []byte {
	return encodeSync(SyncUpdate, update)
}

func encodeSync(st SyncType, payload []byte) []byte {
	buf := make([]byte, 0, len(payload)+8)
	buf = AppendVarUint(buf, uint64(MessageSync))
	buf = AppendVarUint(buf, uint64(st))
	return AppendVarBytes(buf, payload)
}

// EncodePresence wraps a presence update into a frame.
func EncodePresence(update []byte) []byte {
	buf := make([]byte, 0, len(update)+6)
	buf = AppendVarUint(buf, uint64(MessagePresence))
	return AppendVarBytes(buf, update)
}

// EncodeQueryPresence builds a presence query frame.
func EncodeQueryPresence() []byte {
	return AppendVarUint(nil, uint64(MessageQueryPresence))
}
