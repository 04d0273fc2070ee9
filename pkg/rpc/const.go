package rpc

import "math"

// Reserved protocol ids, identical on every connection.
const (
	ReplyID     = uint32(0)
	HandshakeID = uint32(1)

	// FirstUserID is the id assigned to the first registered protocol.
	FirstUserID = uint32(2)
)

const (
	ReplyName     = "gamenet.reply"
	HandshakeName = "gamenet.handshake"
)

// NoReply is the correlation id carried by one-way variable-length frames.
// It is never handed out by the correlation pool.
const NoReply = uint32(math.MaxUint32)
