package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/inkwell/internal/observability"
	"github.com/danmuck/inkwell/internal/server"
)

type sessionView struct {
	RemoteAddr  string    `json:"remote_addr"`
	Fingerprint string    `json:"fingerprint"`
	Author      string    `json:"author"`
	Role        string    `json:"role"`
	State       string    `json:"state"`
	ConnectedAt time.Time `json:"connected_at"`
}

func viewOf(s server.SessionInfo) sessionView {
	return sessionView{
		RemoteAddr:  s.RemoteAddr,
		Fingerprint: s.Fingerprint,
		Author:      s.Author,
		Role:        string(s.Role),
		State:       s.State.String(),
		ConnectedAt: s.ConnectedAt,
	}
}

// newAdminRouter serves metrics and the session registry next to the
// session listener.
func newAdminRouter(svc *server.Service, serverID string, started time.Time) *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(serverID))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":          "ok",
			"server_id":       serverID,
			"uptime":          time.Since(started).String(),
			"active_sessions": svc.ActiveSessions(),
		})
	})

	r.GET("/metrics", gin.WrapH(observability.Handler()))

	r.GET("/sessions", func(c *gin.Context) {
		sessions := svc.Sessions()
		if fp := c.Query("fingerprint"); fp != "" {
			sessions = svc.SessionsFor(fp)
		}
		out := make([]sessionView, 0, len(sessions))
		for _, s := range sessions {
			out = append(out, viewOf(s))
		}
		c.JSON(http.StatusOK, gin.H{"sessions": out})
	})

	r.GET("/sessions/:remote", func(c *gin.Context) {
		info, ok := svc.Session(c.Param("remote"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusOK, viewOf(info))
	})

	return r
}
