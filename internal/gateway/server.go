// Package gateway exposes a session as a JSON REST API
package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/zboralski/remotenet/internal/app"
	glog "github.com/zboralski/remotenet/internal/log"
)

// Config is the gateway config.
type Config struct {
	Debug bool
	// Workers bounds parallel module scans on /rtti/scan.
	Workers int
	Logger  *glog.Logger
}

// Server is the gateway server struct
type Server struct {
	router  *gin.Engine
	session *app.Session
	conf    *Config
	log     *glog.Logger
}

// NewServer creates a gateway over session.
func NewServer(session *app.Session, conf *Config) *Server {
	if conf == nil {
		conf = &Config{}
	}
	log := conf.Logger
	if log == nil {
		log = glog.Get()
	}
	if conf.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{
		router:  gin.New(),
		session: session,
		conf:    conf,
		log:     log.WithCategory("gateway"),
	}
	s.router.Use(gin.Recovery(), s.requestLogger())
	s.router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	s.addRoutes(s.router.Group("/api/v1"))
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Request(c.Request.Method, c.Request.URL.Path, "", c.Writer.Status())
		if len(c.Errors) > 0 {
			s.log.Debug("request errors", zap.String("errors", c.Errors.String()), zap.Duration("took", time.Since(start)))
		}
	}
}

// Serve answers on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdown); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Start listens on addr and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.log.Info("gateway listening", zap.Stringer("addr", ln.Addr()))
	return s.Serve(ctx, ln)
}
