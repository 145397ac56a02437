package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/soheilhy/cmux"
	"github.com/spf13/cobra"
	"github.com/zijiren233/livesession/cmd/flags"
	"github.com/zijiren233/livesession/server"
	"github.com/zijiren233/livesession/transport"
	"golang.org/x/sync/errgroup"
)

var ServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start livesession server",
	Long:  `Start livesession server`,
	RunE:  Server,
}

func Server(cmd *cobra.Command, args []string) error {
	if cmd.Flags().Changed("listen") {
		conf.Server.Listen = flags.Listen
	}
	if cmd.Flags().Changed("port") {
		conf.Server.Port = flags.Port
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	host := net.JoinHostPort(conf.Server.Listen, fmt.Sprint(conf.Server.Port))
	listener, err := net.Listen("tcp", host)
	if err != nil {
		return err
	}
	log.Info().Msgf("rtmp: rtmp://%s/{app}/{channel}", host)

	var extra []transport.Listener
	for kind, port := range map[transport.Kind]uint16{
		transport.KindSRT:  conf.Server.SRTPort,
		transport.KindQUIC: conf.Server.QUICPort,
	} {
		if port == 0 {
			continue
		}
		addr := net.JoinHostPort(conf.Server.Listen, fmt.Sprint(port))
		l, err := transport.Listen(kind, addr, conf.TransportOptions())
		if err != nil {
			listener.Close()
			for _, l := range extra {
				l.Close()
			}
			return fmt.Errorf("listen %s: %w", kind, err)
		}
		log.Info().Msgf("rtmp over %s: %s", kind, addr)
		extra = append(extra, l)
	}

	s := server.NewRtmpServer(
		server.WithAutoCreateAppOrChannel(conf.Server.AutoCreate),
		server.WithConnBufferSize(int32(conf.Session.ConnBufferSize)),
		server.WithPlayerBuffer(conf.BufferConf()...),
		server.WithLogger(log),
	)

	g, gctx := errgroup.WithContext(ctx)
	rtmpL := listener
	if conf.Server.HTTP {
		muxer := cmux.New(listener)
		httpl := muxer.Match(cmux.HTTP1Fast())
		rtmpL = muxer.Match(cmux.Any())
		hs := &http.Server{Handler: s.NewAPI(flags.Debug)}
		log.Info().Msgf("api: http://%s/api/streams, http-flv: http://%s/flv/{app}/{channel}.flv", host, host)
		g.Go(func() error {
			if err := hs.Serve(httpl); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, cmux.ErrListenerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return hs.Close()
		})
		g.Go(func() error {
			if err := muxer.Serve(); err != nil && gctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		return s.Serve(rtmpL)
	})

	for _, l := range extra {
		g.Go(func() error {
			defer l.Close()
			return s.ServeListener(gctx, l)
		})
	}

	for _, rc := range conf.Relays {
		g.Go(func() error {
			return runRelay(gctx, rc.From, rc.To)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		err := s.Close()
		listener.Close()
		return err
	})
	return g.Wait()
}

func init() {
	RootCmd.AddCommand(ServerCmd)
	ServerCmd.Flags().StringVarP(&flags.Listen, "listen", "l", "127.0.0.1", "address to listen on")
	ServerCmd.Flags().Uint16VarP(&flags.Port, "port", "p", 1935, "port to listen on")
}
