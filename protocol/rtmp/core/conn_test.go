package core

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/zijiren233/livesession/av"
	"github.com/zijiren233/livesession/protocol/amf"
	"github.com/zijiren233/stream"
)

type byteConn struct {
	io.Reader
	io.Writer
}

func (byteConn) Close() error { return nil }

// connPair returns two handshaken connections over loopback TCP.
func connPair(t *testing.T) (client, server *Conn) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	accepted := make(chan *Conn, 1)
	errCh := make(chan error, 1)
	go func() {
		nc, err := l.Accept()
		if err != nil {
			errCh <- err
			return
		}
		c := NewConn(nc, 4096)
		if err := c.HandshakeServer(); err != nil {
			errCh <- err
			return
		}
		accepted <- c
	}()

	nc, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	client = NewConn(nc, 4096)
	if err := client.HandshakeClient(); err != nil {
		t.Fatal(err)
	}
	select {
	case server = <-accepted:
	case err := <-errCh:
		t.Fatal(err)
	case <-time.After(5 * time.Second):
		t.Fatal("server handshake timed out")
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestHandshake(t *testing.T) {
	client, server := connPair(t)
	if client.BytesOut() != 1+2*handshakeSize || server.BytesOut() != 1+2*handshakeSize {
		t.Fatalf("handshake sent %d and %d bytes", client.BytesOut(), server.BytesOut())
	}
}

func TestHandshakeBadVersion(t *testing.T) {
	in := append([]byte{6}, make([]byte, handshakeSize)...)
	c := NewConn(byteConn{bytes.NewReader(in), io.Discard}, 4096)
	err := c.HandshakeServer()
	if !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("got %v, want handshake failed", err)
	}
}

func TestHandshakeBadEcho(t *testing.T) {
	// S0, S1, then an S2 that does not echo C1.
	in := append([]byte{rtmpVersion}, make([]byte, 2*handshakeSize)...)
	c := NewConn(byteConn{bytes.NewReader(in), io.Discard}, 4096)
	if err := c.HandshakeClient(); !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("got %v, want handshake failed", err)
	}
}

func TestHandshakeTruncated(t *testing.T) {
	in := append([]byte{rtmpVersion}, make([]byte, 100)...)
	c := NewConn(byteConn{bytes.NewReader(in), io.Discard}, 4096)
	err := c.HandshakeServer()
	if !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("got %v, want connection lost", err)
	}
}

func TestPingAnswered(t *testing.T) {
	client, server := connPair(t)
	go func() {
		_, _ = client.Read()
	}()
	if err := server.PingRequest(1234); err != nil {
		t.Fatal(err)
	}
	cs, err := server.Read()
	if err != nil {
		t.Fatal(err)
	}
	if cs.TypeID != idUserControlMessages || stream.BigEndian.ReadU16(cs.Data) != pingResponse {
		t.Fatalf("got %s", cs)
	}
	if stream.BigEndian.ReadU32(cs.Data[2:]) != 1234 {
		t.Fatalf("pong carries %d", stream.BigEndian.ReadU32(cs.Data[2:]))
	}
}

func TestAcknowledgement(t *testing.T) {
	client, server := connPair(t)
	if _, ok := server.Unacked(); ok {
		t.Fatal("unacked reported before any acknowledgement")
	}
	if err := server.Send(server.NewWindowAckSize(100)); err != nil {
		t.Fatal(err)
	}
	if server.WindowAckSize() != 100 {
		t.Fatalf("window %d", server.WindowAckSize())
	}
	if _, err := client.Read(); err != nil {
		t.Fatal(err)
	}
	if err := server.Send(NewMediaMessage(&av.Frame{Kind: av.KindVideo, Tag: 0x17, Payload: payload(299, 0)}, 1)); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Read(); err != nil {
		t.Fatal(err)
	}

	cs, err := server.Read()
	if err != nil {
		t.Fatal(err)
	}
	if cs.TypeID != idAck {
		t.Fatalf("got %s, want ack", cs)
	}
	n, ok := server.Unacked()
	if !ok || n != 0 {
		t.Fatalf("unacked %d %v", n, ok)
	}
}

func TestSetChunkSizeApplied(t *testing.T) {
	client, server := connPair(t)
	if err := client.Send(client.NewSetChunkSize(8192)); err != nil {
		t.Fatal(err)
	}
	if out, _ := client.ChunkSize(); out != 8192 {
		t.Fatalf("client out chunk size %d", out)
	}
	if _, err := server.Read(); err != nil {
		t.Fatal(err)
	}
	if _, in := server.ChunkSize(); in != 8192 {
		t.Fatalf("server in chunk size %d", in)
	}
}

func startServer(t *testing.T, server *Conn, hooks ConnServerHooks) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() {
		cs := NewConnServer(server, hooks, server.log)
		errCh <- cs.ReadInitMsg()
	}()
	return errCh
}

func TestConnectRejected(t *testing.T) {
	client, server := connPair(t)
	errCh := startServer(t, server, ConnServerHooks{
		OnConnect: func(info ConnectInfo) error {
			return errors.New("app " + info.App + " not allowed")
		},
	})

	err := NewConnClient(client).Connect(context.Background(), NewConnectInfo("live", "rtmp://127.0.0.1/live"))
	var e *Error
	if !errors.As(err, &e) || e.Kind != KindCommandRejected {
		t.Fatalf("got %v, want command rejected", err)
	}
	if e.Reason != "app live not allowed" {
		t.Fatalf("reason %q", e.Reason)
	}
	if err := <-errCh; !errors.Is(err, ErrCommandRejected) {
		t.Fatalf("server returned %v", err)
	}
}

func TestPublishTimestampsAndHeaders(t *testing.T) {
	client, server := connPair(t)
	var gotApp, gotName string
	errCh := make(chan error, 1)
	frames := make(chan *ChunkStream, 3)
	go func() {
		cs := NewConnServer(server, ConnServerHooks{}, server.log)
		if err := cs.ReadInitMsg(); err != nil {
			errCh <- err
			return
		}
		gotApp, gotName = cs.GetInfo()
		for len(frames) < 3 {
			m, err := cs.Read()
			if err != nil {
				errCh <- err
				return
			}
			if m.TypeID == TypeVideo {
				frames <- m
			}
		}
		errCh <- nil
	}()

	cc := NewConnClient(client)
	ctx := context.Background()
	if err := cc.Connect(ctx, NewConnectInfo("live", "rtmp://127.0.0.1/live")); err != nil {
		t.Fatal(err)
	}
	if err := cc.Publish(ctx, "cam"); err != nil {
		t.Fatal(err)
	}
	for i, ts := range []uint32{0, 33, 67} {
		f := &av.Frame{Kind: av.KindVideo, Keyframe: i == 0, Tag: 0x27, Payload: payload(64, byte(i)), Timestamp: ts}
		format, err := cc.WriteFrame(f)
		if err != nil {
			t.Fatal(err)
		}
		if (i == 0) != (format == ChunkFull) {
			t.Errorf("frame %d written with header type %d", i, format)
		}
	}
	if err := cc.Flush(); err != nil {
		t.Fatal(err)
	}

	if err := <-errCh; err != nil {
		t.Fatal(err)
	}
	if gotApp != "live" || gotName != "cam" {
		t.Fatalf("server saw %s/%s", gotApp, gotName)
	}
	for i, ts := range []uint32{0, 33, 67} {
		m := <-frames
		if m.Timestamp != ts {
			t.Errorf("frame %d: timestamp %d, want %d", i, m.Timestamp, ts)
		}
		if (i == 0) != (m.Format == ChunkFull) {
			t.Errorf("frame %d: received header type %d", i, m.Format)
		}
		if m.StreamID != cc.StreamID() {
			t.Errorf("frame %d: stream id %d", i, m.StreamID)
		}
	}
}

func TestPlayRejected(t *testing.T) {
	client, server := connPair(t)
	startServer(t, server, ConnServerHooks{
		OnPlay: func(app, name string) error {
			return errors.New("no such stream")
		},
	})
	cc := NewConnClient(client)
	ctx := context.Background()
	if err := cc.Connect(ctx, NewConnectInfo("live", "")); err != nil {
		t.Fatal(err)
	}
	err := cc.Play(ctx, "missing")
	if !errors.Is(err, ErrCommandRejected) {
		t.Fatalf("got %v, want command rejected", err)
	}
}

func TestRequestTimeout(t *testing.T) {
	client, _ := connPair(t)
	cc := NewConnClient(client, WithRequestTimeout(50*time.Millisecond))
	err := cc.Connect(context.Background(), NewConnectInfo("live", ""))
	if !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("got %v, want connection lost", err)
	}
}

func TestDecodeCommandAMF3(t *testing.T) {
	cs, err := EncodeCommand(0, "connect", 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	cs.TypeID = TypeCommandAMF3
	cs.Data = append([]byte{0}, cs.Data...)
	cmd, err := DecodeCommand(cs)
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Name != "connect" || cmd.TransactionID != 1 {
		t.Fatalf("got %+v", cmd)
	}

	// an info object switched to AMF3
	cs, err = EncodeCommand(1, cmdOnStatus, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	buf := bytes.NewBuffer(append([]byte{0}, cs.Data...))
	buf.WriteByte(amf.AMF0_ACMPLUS_OBJECT_MARKER)
	if _, err := new(amf.Encoder).EncodeAmf3(buf, statusObject(levelStatus, CodePlayStart, "Started")); err != nil {
		t.Fatal(err)
	}
	cmd, err = DecodeCommand(&ChunkStream{TypeID: TypeCommandAMF3, StreamID: 1, Data: buf.Bytes()})
	if err != nil {
		t.Fatal(err)
	}
	info, ok := cmd.Info()
	if !ok || StatusOf(info).Code != CodePlayStart {
		t.Fatalf("got %+v", cmd)
	}

	if _, err := DecodeCommand(&ChunkStream{TypeID: TypeCommandAMF0, Data: []byte{0x02, 0x00}}); !errors.Is(err, ErrFramingError) {
		t.Fatalf("got %v, want framing error", err)
	}
}

func TestUnackedAfterFullAck(t *testing.T) {
	client, server := connPair(t)
	// a peer that counts the handshake acks more than the client counts
	if err := server.Send(server.NewAck(uint32(client.BytesOut()))); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Read(); err != nil {
		t.Fatal(err)
	}
	if n, ok := client.Unacked(); !ok || n != 0 {
		t.Fatalf("fully acked connection reports %d unacked (%v)", n, ok)
	}

	if err := client.Send(NewMediaMessage(&av.Frame{Kind: av.KindVideo, Tag: 0x17, Payload: payload(299, 0)}, 1)); err != nil {
		t.Fatal(err)
	}
	if _, err := server.Read(); err != nil {
		t.Fatal(err)
	}
	sent := client.BytesOut() - (1 + 2*handshakeSize)
	if err := server.Send(server.NewAck(uint32(sent - 100))); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Read(); err != nil {
		t.Fatal(err)
	}
	if n, ok := client.Unacked(); !ok || n != 100 {
		t.Fatalf("unacked %d %v, want 100", n, ok)
	}
}

// serve answers commands on server until the connection closes and
// reports every command it saw. handle may answer a command itself and
// return true to skip the default handling.
func serve(t *testing.T, server *Conn, handle func(srv *ConnServer, cmd *Command) bool) <-chan *Command {
	t.Helper()
	cmds := make(chan *Command, 64)
	go func() {
		srv := NewConnServer(server, ConnServerHooks{}, server.log)
		for {
			m, err := server.Read()
			if err != nil {
				return
			}
			cmd, err := DecodeCommand(m)
			if err != nil {
				continue
			}
			select {
			case cmds <- cmd:
			default:
			}
			if handle != nil && handle(srv, cmd) {
				continue
			}
			if _, err := srv.HandleCommand(m); err != nil {
				return
			}
		}
	}()
	return cmds
}

func nextCommand(t *testing.T, cmds <-chan *Command, name string) *Command {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case cmd := <-cmds:
			if cmd.Name == name {
				return cmd
			}
		case <-timeout:
			t.Fatalf("server never saw %s", name)
		}
	}
}

// waitStatus reads from cc until an onStatus with code arrives.
func waitStatus(t *testing.T, cc *ConnClient, code string) {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		for {
			cs, err := cc.Read()
			if err != nil {
				done <- err
				return
			}
			cmd, err := DecodeCommand(cs)
			if err != nil || cmd.Name != cmdOnStatus {
				continue
			}
			if info, ok := cmd.Info(); ok && StatusOf(info).Code == code {
				done <- nil
				return
			}
		}
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no %s status", code)
	}
}

func TestCallReply(t *testing.T) {
	client, server := connPair(t)
	serve(t, server, func(srv *ConnServer, cmd *Command) bool {
		switch cmd.Name {
		case "getStreamLength":
			name, _ := cmd.Arg(0).(string)
			_ = srv.writeMsg(0, respResult, cmd.TransactionID, nil, float64(len(name)))
			return true
		case "checkBandwidth":
			_ = srv.writeMsg(0, respError, cmd.TransactionID, nil,
				statusObject(levelError, "NetConnection.Call.Failed", "not supported"))
			return true
		}
		return false
	})

	cc := NewConnClient(client)
	if err := cc.Connect(context.Background(), NewConnectInfo("live", "")); err != nil {
		t.Fatal(err)
	}

	lengths := make(chan any, 1)
	errs := make(chan error, 2)
	if err := cc.Call("getStreamLength", func(cmd *Command, err error) {
		if err != nil {
			errs <- err
			return
		}
		lengths <- cmd.Arg(0)
	}, "cam"); err != nil {
		t.Fatal(err)
	}
	if err := cc.Call("checkBandwidth", func(cmd *Command, err error) {
		errs <- err
	}); err != nil {
		t.Fatal(err)
	}
	if err := cc.Call("onBWCheck", nil); err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			if _, err := cc.Read(); err != nil {
				return
			}
		}
	}()

	select {
	case v := <-lengths:
		if v != float64(3) {
			t.Errorf("getStreamLength = %#v", v)
		}
	case err := <-errs:
		t.Fatal(err)
	case <-time.After(5 * time.Second):
		t.Fatal("no reply")
	}
	select {
	case err := <-errs:
		var e *Error
		if !errors.As(err, &e) || e.Kind != KindCommandRejected || e.Reason != "not supported" {
			t.Errorf("checkBandwidth: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no error reply")
	}
	if n := cc.pending.Len(); n != 0 {
		t.Errorf("%d transactions left pending", n)
	}
}

func TestCallTimeout(t *testing.T) {
	client, server := connPair(t)
	serve(t, server, nil)
	cc := NewConnClient(client, WithRequestTimeout(500*time.Millisecond))
	if err := cc.Connect(context.Background(), NewConnectInfo("live", "")); err != nil {
		t.Fatal(err)
	}

	errs := make(chan error, 1)
	if err := cc.Call("getStreamLength", func(cmd *Command, err error) {
		errs <- err
	}, "cam"); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errs:
		if !errors.Is(err, ErrRequestTimeout) {
			t.Fatalf("got %v, want request timeout", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reply never called")
	}
	if n := cc.pending.Len(); n != 0 {
		t.Errorf("%d transactions left pending", n)
	}
}

func TestCloseFailsPendingCalls(t *testing.T) {
	client, server := connPair(t)
	serve(t, server, nil)
	cc := NewConnClient(client)
	if err := cc.Connect(context.Background(), NewConnectInfo("live", "")); err != nil {
		t.Fatal(err)
	}
	errs := make(chan error, 1)
	if err := cc.Call("getStreamLength", func(cmd *Command, err error) {
		errs <- err
	}); err != nil {
		t.Fatal(err)
	}
	cc.Close()
	if err := <-errs; !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("got %v, want connection lost", err)
	}
}

func TestPublishTypeAndTransactions(t *testing.T) {
	client, server := connPair(t)
	cmds := serve(t, server, nil)
	cc := NewConnClient(client, WithPublishType(PublishRecord))
	ctx := context.Background()
	if err := cc.Connect(ctx, NewConnectInfo("live", "")); err != nil {
		t.Fatal(err)
	}
	if err := cc.Publish(ctx, "cam"); err != nil {
		t.Fatal(err)
	}
	if n := cc.pending.Len(); n != 0 {
		t.Errorf("%d transactions pending after publish", n)
	}
	cmd := nextCommand(t, cmds, cmdPublish)
	if cmd.Arg(0) != "cam" || cmd.Arg(1) != string(PublishRecord) {
		t.Errorf("publish args %#v", cmd.Args)
	}

	if err := cc.CloseStream("cam", true); err != nil {
		t.Fatal(err)
	}
	nextCommand(t, cmds, cmdDeleteStream)
	if n := cc.pending.Len(); n != 0 {
		t.Errorf("%d transactions pending after close", n)
	}
	if _, err := cc.WriteFrame(&av.Frame{Kind: av.KindVideo, Tag: 0x17, Payload: payload(8, 0)}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("write after close stream: %v", err)
	}
}

func TestStreamControl(t *testing.T) {
	client, server := connPair(t)
	cmds := serve(t, server, nil)
	cc := NewConnClient(client)
	ctx := context.Background()
	if err := cc.Connect(ctx, NewConnectInfo("live", "")); err != nil {
		t.Fatal(err)
	}
	if err := cc.Pause(true, 0); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("pause without a stream: %v", err)
	}
	if err := cc.Play(ctx, "cam"); err != nil {
		t.Fatal(err)
	}

	if err := cc.Pause(true, 1500*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, cc, CodePauseNotify)
	cmd := nextCommand(t, cmds, cmdPause)
	if cmd.Arg(0) != true || cmd.Arg(1) != float64(1500) || cmd.StreamID != cc.StreamID() {
		t.Errorf("pause sent as %#v on stream %d", cmd.Args, cmd.StreamID)
	}

	if err := cc.Pause(false, 1500*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, cc, CodeUnpauseNotify)

	if err := cc.Seek(3 * time.Second); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, cc, CodeSeekNotify)
	if cmd := nextCommand(t, cmds, cmdSeek); cmd.Arg(0) != float64(3000) {
		t.Errorf("seek sent as %#v", cmd.Args)
	}

	if err := cc.ReceiveAudio(false); err != nil {
		t.Fatal(err)
	}
	if cmd := nextCommand(t, cmds, cmdReceiveAudio); cmd.Arg(0) != false {
		t.Errorf("receiveAudio sent as %#v", cmd.Args)
	}
}

func TestCloseStreamWhileWriting(t *testing.T) {
	client, server := connPair(t)
	serve(t, server, nil)
	cc := NewConnClient(client)
	ctx := context.Background()
	if err := cc.Connect(ctx, NewConnectInfo("live", "")); err != nil {
		t.Fatal(err)
	}
	if err := cc.Publish(ctx, "cam"); err != nil {
		t.Fatal(err)
	}
	sid := cc.StreamID()

	done := make(chan error, 1)
	started := make(chan struct{})
	go func() {
		for i := 0; ; i++ {
			if i == 10 {
				close(started)
			}
			f := &av.Frame{Kind: av.KindVideo, Tag: 0x27, Payload: payload(32, byte(i)), Timestamp: uint32(i)}
			if _, err := cc.WriteFrame(f); err != nil {
				done <- err
				return
			}
		}
	}()
	<-started
	if err := cc.CloseStream("cam", true); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrInvalidState) {
			t.Fatalf("writer stopped with %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("writer kept going on a closed stream")
	}
	if cc.StreamID() != 0 || sid == 0 {
		t.Fatalf("stream id %d after close, %d before", cc.StreamID(), sid)
	}
}
