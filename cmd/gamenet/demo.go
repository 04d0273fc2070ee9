package main

import (
	"encoding/binary"
	"fmt"

	"github.com/kbirk/gamenet/pkg/log"
	"github.com/kbirk/gamenet/pkg/rpc"
)

const (
	echoProtocol      = "demo.echo"
	heartbeatProtocol = "demo.heartbeat"
	heartbeatSize     = 8
)

// serverRegistry returns the protocols served by `gamenet serve`.
func serverRegistry(logger log.Logger) *rpc.Registry {
	r := rpc.NewRegistry()
	r.MustRegister(echoProtocol, rpc.Variable, func(req *rpc.Request) error {
		if !req.ExpectsReply() {
			return nil
		}
		return req.Reply(req.Bytes())
	})
	r.MustRegister(heartbeatProtocol, rpc.FixedLength(heartbeatSize), func(req *rpc.Request) error {
		tick := binary.BigEndian.Uint64(req.Bytes())
		logger.Debug(fmt.Sprintf("Heartbeat %d from %s", tick, req.Conn.RemoteAddr()))
		return nil
	})
	return r
}

// clientRegistry returns the protocols a probing client speaks.
func clientRegistry() *rpc.Registry {
	r := rpc.NewRegistry()
	r.MustRegister(echoProtocol, rpc.Stub, nil)
	r.MustRegister(heartbeatProtocol, rpc.FixedLength(heartbeatSize), func(req *rpc.Request) error {
		return nil
	})
	return r
}

func heartbeat(tick uint64) []byte {
	bs := make([]byte, heartbeatSize)
	binary.BigEndian.PutUint64(bs, tick)
	return bs
}
