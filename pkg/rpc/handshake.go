package rpc

import (
	"fmt"

	"github.com/kbirk/gamenet/pkg/serialize"
)

// Assignment binds a protocol name to the id used for it on a connection.
type Assignment struct {
	Name string
	ID   uint32
}

// EncodeAssignments serializes the handshake reply:
//
//	[u32 count] count x ([u32 len][name bytes][u32 id])
func EncodeAssignments(assignments []Assignment) []byte {
	size := 4
	for _, a := range assignments {
		size += serialize.ByteSizeString(a.Name) + 4
	}
	writer := serialize.NewWriter(size)
	serialize.SerializeUInt32(writer, uint32(len(assignments)))
	for _, a := range assignments {
		serialize.SerializeString(writer, a.Name)
		serialize.SerializeUInt32(writer, a.ID)
	}
	return writer.Bytes()
}

func DecodeAssignments(reader *serialize.Reader) ([]Assignment, error) {
	var count uint32
	if err := serialize.DeserializeUInt32(&count, reader); err != nil {
		return nil, err
	}
	// each entry is at least 8 bytes
	if uint64(count)*8 > uint64(reader.Remaining()) {
		return nil, fmt.Errorf("%w: %d assignments do not fit in %d bytes", ErrHandshake, count, reader.Remaining())
	}
	out := make([]Assignment, 0, count)
	for i := uint32(0); i < count; i++ {
		var a Assignment
		if err := serialize.DeserializeString(&a.Name, reader); err != nil {
			return nil, err
		}
		if err := serialize.DeserializeUInt32(&a.ID, reader); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// handleHandshake replies with the table of the connection it arrived on.
func handleHandshake(req *Request) error {
	return req.Reply(EncodeAssignments(req.Conn.Table().Assignments()))
}

// handleReply resolves the pending call tagged with the frame's correlation id.
func handleReply(req *Request) error {
	return req.Conn.replies.complete(req.SessionID, req.Bytes())
}
