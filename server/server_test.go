package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/zijiren233/livesession/av"
	"github.com/zijiren233/livesession/client"
	"github.com/zijiren233/livesession/container/flv"
	"github.com/zijiren233/livesession/protocol/amf"
	"github.com/zijiren233/livesession/protocol/rtmp/core"
)

func startServer(t *testing.T, conf ...ServerConf) (*Server, string) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := NewRtmpServer(conf...)
	go s.Serve(l)
	t.Cleanup(func() {
		l.Close()
		s.Close()
	})
	return s, l.Addr().String()
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func publish(t *testing.T, url string) *client.Session {
	t.Helper()
	ctx := testCtx(t)
	s := client.NewSession()
	t.Cleanup(func() { s.Close() })
	if err := s.Open(ctx, url); err != nil {
		t.Fatal(err)
	}
	if err := s.Publish(ctx, ""); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestRegistry(t *testing.T) {
	s := NewRtmpServer()
	if _, err := s.NewApp("live"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.NewApp("live"); !errors.Is(err, ErrAppAlreadyExists) {
		t.Fatalf("err = %v", err)
	}
	if _, err := s.GetChannelWithApp("live", "cam"); !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("err = %v", err)
	}
	if _, err := s.GetChannelWithApp("vod", "cam"); !errors.Is(err, ErrAppNotFount) {
		t.Fatalf("err = %v", err)
	}
	a, _ := s.GetApp("live")
	c1, err := a.GetOrNewChannel("cam")
	if err != nil {
		t.Fatal(err)
	}
	c2, _ := s.GetOrNewChannelWithApp("live", "cam")
	if c1 != c2 {
		t.Fatal("channel created twice")
	}
	if _, err := a.NewChannel("cam"); !errors.Is(err, ErrChannelAlreadyExists) {
		t.Fatalf("err = %v", err)
	}
	if err := a.DelChannel("cam"); err != nil {
		t.Fatal(err)
	}
	if !c1.Closed() {
		t.Fatal("deleted channel still open")
	}
	if err := c1.AddPlayer(nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v", err)
	}
	if err := s.DelApp("live"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.GetOrNewChannel("x"); !errors.Is(err, ErrAppClosed) {
		t.Fatalf("err = %v", err)
	}
}

func TestPublishHookRejects(t *testing.T) {
	_, addr := startServer(t,
		WithAutoCreateAppOrChannel(true),
		WithPublishHook(func(app, name string) error {
			if name != "allowed" {
				return errors.New("bad stream key")
			}
			return nil
		}),
	)
	ctx := testCtx(t)
	s := client.NewSession()
	defer s.Close()
	if err := s.Open(ctx, "rtmp://"+addr+"/live/cam"); err != nil {
		t.Fatal(err)
	}
	err := s.Publish(ctx, "")
	var e *core.Error
	if !errors.As(err, &e) || e.Kind != core.KindCommandRejected || e.Reason != "bad stream key" {
		t.Fatalf("err = %v", err)
	}
}

func TestPublishUnknownApp(t *testing.T) {
	_, addr := startServer(t)
	ctx := testCtx(t)
	s := client.NewSession()
	defer s.Close()
	if err := s.Open(ctx, "rtmp://"+addr+"/live/cam"); err != nil {
		t.Fatal(err)
	}
	if err := s.Publish(ctx, ""); !errors.Is(err, core.ErrCommandRejected) {
		t.Fatalf("err = %v", err)
	}
}

func TestParseChannelFunc(t *testing.T) {
	srv, addr := startServer(t,
		WithAutoCreateAppOrChannel(true),
		WithParseChannelFunc(func(app, name string, isPublisher bool) (string, string, error) {
			if isPublisher && name == "secret-key" {
				return app, "cam", nil
			}
			return app, name, nil
		}),
	)
	publish(t, "rtmp://"+addr+"/live/secret-key")
	c, err := srv.GetChannelWithApp("live", "cam")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "publication", c.InPublication)
}

func TestSecondPublisherRejected(t *testing.T) {
	_, addr := startServer(t, WithAutoCreateAppOrChannel(true))
	publish(t, "rtmp://"+addr+"/live/cam")

	ctx := testCtx(t)
	s := client.NewSession()
	defer s.Close()
	if err := s.Open(ctx, "rtmp://"+addr+"/live/cam"); err != nil {
		t.Fatal(err)
	}
	if err := s.Publish(ctx, ""); !errors.Is(err, core.ErrCommandRejected) {
		t.Fatalf("err = %v", err)
	}
}

func TestAPI(t *testing.T) {
	srv, addr := startServer(t, WithAutoCreateAppOrChannel(true))
	pub := publish(t, "rtmp://"+addr+"/live/cam")

	var meta bytes.Buffer
	if _, err := (&amf.Encoder{}).EncodeBatch(&meta, amf.AMF0, amf.OnMetaData, amf.Object{"width": 640.0}); err != nil {
		t.Fatal(err)
	}
	metaFrame := av.FrameFromBody(av.KindData, 0, meta.Bytes())
	metaFrame.Config = true
	key := &av.Frame{Kind: av.KindVideo, Keyframe: true, Tag: 0x17, Payload: []byte{1, 0, 0, 0, 0x65}}
	for _, f := range []*av.Frame{metaFrame, key} {
		if err := pub.Submit(f); err != nil {
			t.Fatal(err)
		}
	}
	channel, err := srv.GetChannelWithApp("live", "cam")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "frames", func() bool {
		return channel.Info().Stats.Frames >= 2
	})

	ts := httptest.NewServer(srv.NewAPI(false))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/streams")
	if err != nil {
		t.Fatal(err)
	}
	var body struct {
		Apps []AppInfo `json:"apps"`
	}
	err = json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if len(body.Apps) != 1 || body.Apps[0].Name != "live" || len(body.Apps[0].Channels) != 1 {
		t.Fatalf("streams = %+v", body.Apps)
	}
	if c := body.Apps[0].Channels[0]; c.Name != "cam" || !c.InPublication || c.Stats.Frames < 2 {
		t.Fatalf("channel = %+v", c)
	}

	resp, err = http.Get(ts.URL + "/flv/live/none.flv")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/flv/live/cam.flv")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "video/x-flv" {
		t.Fatalf("content type = %q", ct)
	}
	waitFor(t, "http player", func() bool {
		return channel.Info().Players == 1
	})
	inter := &av.Frame{Kind: av.KindVideo, DTS: 40 * time.Millisecond, PTS: 40 * time.Millisecond, Tag: 0x27, Payload: []byte{1, 0, 0, 0, 0x41}}
	if err := pub.Submit(inter); err != nil {
		t.Fatal(err)
	}

	r := flv.NewReader(resp.Body)
	for i, want := range []*av.Frame{metaFrame, key, inter} {
		got, err := r.Read()
		if err != nil {
			t.Fatalf("tag %d: %v", i, err)
		}
		if got.Kind != want.Kind || !bytes.Equal(got.Body(), want.Body()) {
			t.Fatalf("tag %d = %v %x, want %v %x", i, got.Kind, got.Body(), want.Kind, want.Body())
		}
	}
}
