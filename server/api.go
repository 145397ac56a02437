package server

import (
	"net/http"
	"path"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/zijiren233/livesession/protocol/httpflv"
	"github.com/zijiren233/livesession/utils"
)

type AppInfo struct {
	Name     string        `json:"name"`
	Channels []ChannelInfo `json:"channels"`
}

// Streams lists every app and channel, sorted by name.
func (s *Server) Streams() []AppInfo {
	apps := s.Apps()
	ret := make([]AppInfo, 0, len(apps))
	for _, a := range apps {
		info := AppInfo{Name: a.Name()}
		for _, c := range a.GetChannels() {
			info.Channels = append(info.Channels, c.Info())
		}
		sort.Slice(info.Channels, func(i, j int) bool {
			return info.Channels[i].Name < info.Channels[j].Name
		})
		ret = append(ret, info)
	}
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].Name < ret[j].Name
	})
	return ret
}

// NewAPI serves the stream listing and HTTP-FLV playback at
// /flv/{app}/{channel}.flv.
func (s *Server) NewAPI(debug bool) *gin.Engine {
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	e := gin.New()
	e.Use(gin.Recovery())
	utils.Cors(e)
	e.GET("/api/streams", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"apps": s.Streams(),
		})
	})
	e.GET("/flv/:app/*channel", s.handleHttpFlv)
	return e
}

func (s *Server) handleHttpFlv(c *gin.Context) {
	appName := c.Param("app")
	channelStr := strings.Trim(c.Param("channel"), "/")
	fileExt := path.Ext(channelStr)
	if fileExt != ".flv" {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
			"error": "unsupported format",
		})
		return
	}
	channelName := strings.TrimSuffix(channelStr, fileExt)
	channel, err := s.resolve(appName, channelName, false)
	if err == nil && !channel.InPublication() {
		err = ErrPusherNotInPublication
	}
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
			"error": err.Error(),
		})
		return
	}

	c.Header("Content-Type", httpflv.ContentType)
	c.Status(http.StatusOK)
	w := httpflv.NewHttpFLVWriter(c.Writer, httpflv.WithBufferConf(s.playerBuffer...))
	if err := channel.AddPlayer(w); err != nil {
		w.Close()
		return
	}
	defer channel.DelPlayer(w)
	c.Writer.Flush()
	if err := w.SendPacket(c.Request.Context()); err != nil {
		s.log.Debug().Err(err).Str("app", appName).Str("stream", channelName).Msg("http-flv player stopped")
	}
}
