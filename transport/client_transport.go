// Package transport implements the client side of the mini-soa protocol with multiplexing.
//
// ClientTransport enables multiple concurrent calls over a single TCP connection.
// Each request gets a unique sequence ID, and a background goroutine (recvLoop)
// continuously reads replies and routes them to the correct caller via pending channels.
//
//	goroutine-1 ──Send(seq=1)──┐
//	goroutine-2 ──Send(seq=2)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Send(seq=3)──┘
//
//	recvLoop:  ←── reply(seq=2) → pending[2] chan ← reply → goroutine-2 wakes up
//
// The server may complete requests out of order, so the sequence ID is the only thing
// that ties a reply to its request.
package transport

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"mini-soa/codec"
	"mini-soa/protocol"
	"mini-soa/rpcerr"
)

// ErrClosed is delivered to pending callers once the connection is gone.
var ErrClosed = errors.New("transport: connection closed")

// Reply is one decoded reply frame. Err is set when the connection broke before the
// reply arrived; a server-side failure shows up in Header.RespCode instead.
type Reply struct {
	Header *protocol.Header
	SeqID  int32
	Body   []byte
	Err    error
}

// RemoteError converts an error reply to an *rpcerr.Error, or nil for a success.
func (r *Reply) RemoteError() *rpcerr.Error {
	if r.Header == nil || r.Header.RespCode == nil {
		return nil
	}
	msg := ""
	if r.Header.RespMessage != nil {
		msg = *r.Header.RespMessage
	}
	return rpcerr.New(*r.Header.RespCode, msg)
}

// ClientTransport manages a single multiplexed TCP connection.
type ClientTransport struct {
	conn    net.Conn
	codec   codec.CodecType
	maxSize int
	seq     atomic.Int32
	pending sync.Map   // map[int32]chan *Reply, each request waits on its own channel
	sending sync.Mutex // one frame at a time, or req A's header + req B's body = corruption
	closed  atomic.Bool
	done    chan struct{}
}

// NewClientTransport creates a transport for conn and starts recvLoop.
func NewClientTransport(conn net.Conn, ct codec.CodecType) *ClientTransport {
	t := &ClientTransport{
		conn:    conn,
		codec:   ct,
		maxSize: protocol.DefaultMaxFrameSize,
		done:    make(chan struct{}),
	}
	go t.recvLoop()
	return t
}

// Send writes a call frame for service/version/method and returns the sequence number
// and a channel that will receive the reply.
func (t *ClientTransport) Send(service, version, method string, body []byte) (int32, <-chan *Reply, error) {
	if t.closed.Load() {
		return 0, nil, ErrClosed
	}
	seq := t.seq.Add(1)
	h := &protocol.Header{ServiceName: service, VersionName: version, MethodName: method, Codec: t.codec}
	frame, err := protocol.EncodeRequest(h, seq, body)
	if err != nil {
		return 0, nil, err
	}
	defer frame.Release()

	// Register the reply channel BEFORE sending (avoid race with recvLoop)
	ch := make(chan *Reply, 1) // Buffered so recvLoop never blocks
	t.pending.Store(seq, ch)

	t.sending.Lock()
	_, err = t.conn.Write(frame.Bytes())
	t.sending.Unlock()
	if err != nil {
		t.pending.Delete(seq)
		return 0, nil, err
	}
	return seq, ch, nil
}

// Call encodes args with the transport codec, sends them and decodes the reply body
// into reply. An error reply is returned as *rpcerr.Error.
func (t *ClientTransport) Call(ctx context.Context, service, version, method string, args, reply any) error {
	cdc := codec.GetCodec(t.codec)
	body, err := cdc.Encode(args)
	if err != nil {
		return err
	}
	seq, ch, err := t.Send(service, version, method, body)
	if err != nil {
		return err
	}

	select {
	case r := <-ch:
		if r.Err != nil {
			return r.Err
		}
		if rerr := r.RemoteError(); rerr != nil {
			return rerr
		}
		if reply == nil {
			return nil
		}
		return cdc.Decode(r.Body, reply)
	case <-ctx.Done():
		t.pending.Delete(seq)
		return ctx.Err()
	}
}

// recvLoop is the only reader of the connection: TCP is a byte stream and frames must be
// parsed sequentially.
func (t *ClientTransport) recvLoop() {
	defer close(t.done)
	br := bufio.NewReader(t.conn)
	for {
		frame, err := protocol.ReadFrame(br, t.maxSize)
		if err != nil {
			t.closeAllPending(err)
			return
		}
		h, env, body, err := protocol.DecodeReply(frame)
		if err != nil {
			frame.Release()
			t.closeAllPending(err)
			return
		}
		r := &Reply{Header: h, SeqID: env.SeqID, Body: append([]byte(nil), body...)}
		frame.Release()

		if ch, ok := t.pending.LoadAndDelete(env.SeqID); ok {
			ch.(chan *Reply) <- r
		}
	}
}

// closeAllPending notifies every waiting caller so nobody blocks forever.
func (t *ClientTransport) closeAllPending(err error) {
	t.closed.Store(true)
	if err == nil {
		err = ErrClosed
	}
	t.pending.Range(func(key, value any) bool {
		if _, ok := t.pending.LoadAndDelete(key); ok {
			value.(chan *Reply) <- &Reply{SeqID: key.(int32), Err: errors.Join(ErrClosed, err)}
		}
		return true
	})
}

// Conn returns the underlying TCP connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}

// Done is closed when recvLoop exits, i.e. the connection is no longer readable.
func (t *ClientTransport) Done() <-chan struct{} {
	return t.done
}

// Close closes the connection and fails every pending call.
func (t *ClientTransport) Close() error {
	t.closed.Store(true)
	err := t.conn.Close()
	<-t.done
	return err
}
