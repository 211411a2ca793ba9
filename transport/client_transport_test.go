package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-soa/codec"
	"mini-soa/rpcerr"
	"mini-soa/server"
)

type Args struct {
	A, B int
}

type ArithReply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *ArithReply) error {
	reply.Result = args.A + args.B
	return nil
}

func startServer(t *testing.T, opts server.Options) *server.Server {
	t.Helper()
	svr := server.NewServer(opts)
	require.NoError(t, svr.RegisterService(&Arith{}))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go svr.ServeListener(ln, "", nil)
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return svr
}

func dial(t *testing.T, svr *server.Server) *ClientTransport {
	t.Helper()
	require.Eventually(t, func() bool { return svr.Addr() != nil }, time.Second, 5*time.Millisecond)
	conn, err := net.Dial("tcp", svr.Addr().String())
	require.NoError(t, err)
	ct := NewClientTransport(conn, codec.CodecTypeJSON)
	t.Cleanup(func() { ct.Close() })
	return ct
}

// 测试单连接上串行发送多个请求
func TestClientTransportSerial(t *testing.T) {
	ct := dial(t, startServer(t, server.Options{}))

	cases := []struct {
		a, b, expect int
	}{
		{1, 2, 3},
		{10, 20, 30},
		{100, 200, 300},
	}
	for _, tc := range cases {
		var reply ArithReply
		require.NoError(t, ct.Call(context.Background(), "Arith", "1.0", "Add", &Args{A: tc.a, B: tc.b}, &reply))
		assert.Equal(t, tc.expect, reply.Result)
	}
}

// 测试单连接上并发发送多个请求（多路复用核心测试）
func TestClientTransportConcurrent(t *testing.T) {
	ct := dial(t, startServer(t, server.Options{PoolEnabled: true, PoolSize: 4}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			var reply ArithReply
			if err := ct.Call(context.Background(), "Arith", "1.0", "Add", &Args{A: n, B: n}, &reply); err != nil {
				t.Errorf("call %d: %v", n, err)
				return
			}
			assert.Equal(t, n*2, reply.Result)
		}(i)
	}
	wg.Wait()
}

func TestClientTransportRemoteError(t *testing.T) {
	ct := dial(t, startServer(t, server.Options{}))

	err := ct.Call(context.Background(), "Arith", "1.0", "Divide", &Args{A: 1, B: 1}, nil)
	var rerr *rpcerr.Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, rpcerr.CodeNotNull, rerr.Code)
}

func TestClientTransportClosedConnection(t *testing.T) {
	client, peer := net.Pipe()
	ct := NewClientTransport(client, codec.CodecTypeJSON)

	// The peer reads the request and hangs up without replying.
	go func() {
		buf := make([]byte, 256)
		peer.Read(buf)
		peer.Close()
	}()

	_, ch, err := ct.Send("Arith", "1.0", "Add", []byte(`{}`))
	require.NoError(t, err)

	select {
	case r := <-ch:
		assert.ErrorIs(t, r.Err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("pending call was not failed")
	}
	<-ct.Done()

	_, _, err = ct.Send("Arith", "1.0", "Add", nil)
	assert.ErrorIs(t, err, ErrClosed)
}
