// Package wire implements the typed message envelope (C2) that every
// client, worker, and standby connection speaks: a length-framed,
// self-describing container carrying a message kind, an opaque token, a
// Lamport timestamp, and a polymorphic payload.
//
// The payload is a google.golang.org/protobuf/types/known/structpb.Value —
// a dynamically-typed protobuf value. This gives the envelope a
// self-describing wire format (the thing the spec's polymorphic-payload
// requirement calls for) without generating .pb.go stubs for every
// payload shape: Task records, Credentials, task IDs, and the SYNC_STATE
// snapshot all marshal down to the same structpb.Value tree, the same
// role backupPayload plays embedded inside a typed proto envelope in the
// teacher codebase this package is grounded on.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Kind enumerates every message kind in the protocol (spec §3, §6).
type Kind uint8

const (
	KindUnspecified Kind = iota
	KindAuthenticate
	KindAuthOK
	KindAuthFail
	KindSubmitTask
	KindTaskAccepted
	KindQueryStatus
	KindStatusReply
	KindRegisterWorker
	KindHeartbeat
	KindTaskDone
	KindNewTask
	KindSyncState
)

func (k Kind) String() string {
	switch k {
	case KindAuthenticate:
		return "AUTHENTICATE"
	case KindAuthOK:
		return "AUTH_OK"
	case KindAuthFail:
		return "AUTH_FAIL"
	case KindSubmitTask:
		return "SUBMIT_TASK"
	case KindTaskAccepted:
		return "TASK_ACCEPTED"
	case KindQueryStatus:
		return "QUERY_STATUS"
	case KindStatusReply:
		return "STATUS_REPLY"
	case KindRegisterWorker:
		return "REGISTER_WORKER"
	case KindHeartbeat:
		return "HEARTBEAT"
	case KindTaskDone:
		return "TASK_DONE"
	case KindNewTask:
		return "NEW_TASK"
	case KindSyncState:
		return "SYNC_STATE"
	default:
		return "UNSPECIFIED"
	}
}

// Envelope is the in-memory representation of one protocol message.
// Payload may be nil for kinds that carry none (AUTH_FAIL).
type Envelope struct {
	Kind    Kind
	Token   string
	Lamport uint64
	Payload *structpb.Value
}

// maxFrameLen bounds a single envelope's wire size. A SYNC_STATE snapshot
// of a long-running orchestrator is the largest message the protocol ever
// sends; 64 MiB is generous headroom without leaving a read vulnerable to
// an unbounded length prefix from a misbehaving peer.
const maxFrameLen = 64 << 20

// Encode writes one length-framed envelope to w.
//
// Wire layout: [4-byte big-endian length][marshaled structpb.Struct],
// where the struct carries fields "kind" (number), "token" (string),
// "lamport" (string — kept as a decimal string rather than a protobuf
// number to avoid float64's 53-bit mantissa silently truncating a
// logical clock value near the uint64 range), and "payload" (the
// caller's Value, or null).
func Encode(w io.Writer, env Envelope) error {
	payload := env.Payload
	if payload == nil {
		payload = structpb.NewNullValue()
	}

	root, err := structpb.NewStruct(map[string]any{
		"kind":    float64(env.Kind),
		"token":   env.Token,
		"lamport": fmt.Sprintf("%d", env.Lamport),
	})
	if err != nil {
		return fmt.Errorf("wire: building envelope struct: %w", err)
	}
	root.Fields["payload"] = payload

	b, err := proto.Marshal(root)
	if err != nil {
		return fmt.Errorf("wire: marshaling envelope: %w", err)
	}
	if len(b) > maxFrameLen {
		return fmt.Errorf("wire: envelope of %d bytes exceeds max frame size", len(b))
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: writing frame length: %w", err)
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("wire: writing frame body: %w", err)
	}
	return nil
}

// Decode reads one length-framed envelope from r. Returns io.EOF (possibly
// wrapped) if the peer closed the connection cleanly between frames.
func Decode(r io.Reader) (Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Envelope{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameLen {
		return Envelope{}, fmt.Errorf("wire: frame length %d exceeds max frame size", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Envelope{}, fmt.Errorf("wire: reading frame body: %w", err)
	}

	root := &structpb.Struct{}
	if err := proto.Unmarshal(body, root); err != nil {
		return Envelope{}, fmt.Errorf("wire: unmarshaling envelope: %w", err)
	}

	kindVal, ok := root.Fields["kind"]
	if !ok {
		return Envelope{}, fmt.Errorf("wire: envelope missing kind field")
	}
	lamportVal := root.Fields["lamport"].GetStringValue()
	var lamport uint64
	if lamportVal != "" {
		if _, err := fmt.Sscanf(lamportVal, "%d", &lamport); err != nil {
			return Envelope{}, fmt.Errorf("wire: invalid lamport field %q: %w", lamportVal, err)
		}
	}

	env := Envelope{
		Kind:    Kind(kindVal.GetNumberValue()),
		Token:   root.Fields["token"].GetStringValue(),
		Lamport: lamport,
	}

	if p, ok := root.Fields["payload"]; ok && p.GetKind() != nil {
		if _, isNull := p.GetKind().(*structpb.Value_NullValue); !isNull {
			env.Payload = p
		}
	}

	return env, nil
}
