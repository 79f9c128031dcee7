package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pricefeed/config"
	"pricefeed/internal/metrics"
	"pricefeed/internal/orchestrator"
	"pricefeed/logger"
	"pricefeed/reader"
)

// Controller is the part of the orchestrator the HTTP API drives.
type Controller interface {
	Apply(id, action string) error
	Status(id string) (reader.Status, error)
	Statuses() []reader.Status
}

// Server hosts the control API plus recent metrics, logs and host samples.
type Server struct {
	cfg             config.DashboardConfig
	log             *logger.Log
	ctl             Controller
	metricStore     *metricStore
	logStore        *logStore
	metricHandler   metrics.MetricHandlerID
	httpServer      *http.Server
	resourceSampler *resourceSampler
}

// NewServer returns nil when the dashboard is disabled.
func NewServer(cfg config.DashboardConfig, ctl Controller, log *logger.Log) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if ctl == nil {
		return nil, errors.New("dashboard requires a controller")
	}

	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 5 * time.Second
	}
	if cfg.History <= 0 {
		cfg.History = 200
	}

	metricStore := newMetricStore(cfg.History)
	handlerID := metrics.RegisterMetricHandler(metricStore.handle)

	logStore := newLogStore(cfg.History)
	log.AddHook(logStore)

	return &Server{
		cfg:             cfg,
		log:             log,
		ctl:             ctl,
		metricStore:     metricStore,
		logStore:        logStore,
		metricHandler:   handlerID,
		resourceSampler: newResourceSampler(cfg.History, cfg.SampleInterval, ctl.Statuses, log),
	}, nil
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	defer s.cleanup()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.resourceSampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.WithComponent("dashboard").WithFields(logger.Fields{"address": s.cfg.Address}).Info("control api listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	s.logStore.close()
	s.resourceSampler.stop()
}

// Address reports the network address the server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

type connectorView struct {
	reader.Status
	Control string `json:"status"`
}

func view(st reader.Status) connectorView {
	return connectorView{Status: st, Control: orchestrator.ControlStatus(st.State)}
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/health", func(c *gin.Context) {
		statuses := s.ctl.Statuses()
		running := 0
		for _, st := range statuses {
			if orchestrator.ControlStatus(st.State) == "running" {
				running++
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":     "ok",
			"connectors": len(statuses),
			"running":    running,
		})
	})

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})))

	router.GET("/api/status", func(c *gin.Context) {
		statuses := s.ctl.Statuses()
		payload := make([]connectorView, 0, len(statuses))
		for _, st := range statuses {
			payload = append(payload, view(st))
		}
		c.JSON(http.StatusOK, gin.H{"connectors": payload})
	})

	router.GET("/api/connectors/:id", func(c *gin.Context) {
		st, err := s.ctl.Status(c.Param("id"))
		if err != nil {
			s.abort(c, err)
			return
		}
		c.JSON(http.StatusOK, view(st))
	})

	router.POST("/api/connectors/:id/:action", func(c *gin.Context) {
		id, action := c.Param("id"), c.Param("action")
		if action != orchestrator.ActionStart && action != orchestrator.ActionStop {
			c.JSON(http.StatusBadRequest, gin.H{"error": "action must be start or stop"})
			return
		}
		if err := s.ctl.Apply(id, action); err != nil {
			s.abort(c, err)
			return
		}
		s.log.WithComponent("dashboard").WithFields(logger.Fields{
			"connector": id,
			"action":    action,
			"remote":    c.ClientIP(),
		}).Info("control request accepted")
		c.JSON(http.StatusAccepted, gin.H{"id": id, "action": action, "accepted": true})
	})

	router.GET("/api/metrics", func(c *gin.Context) {
		connector := c.Query("connector")
		events := s.metricStore.events(connector)
		payload := make([]gin.H, 0, len(events))
		for _, m := range events {
			payload = append(payload, gin.H{
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"component": m.Component,
				"connector": m.Connector,
				"name":      m.Name,
				"value":     m.Value,
				"type":      m.Type,
				"fields":    m.Fields,
			})
		}
		body := gin.H{"metrics": payload}
		if connector != "" {
			body["latest"] = s.metricStore.latestFor(connector)
		}
		c.JSON(http.StatusOK, body)
	})

	router.GET("/api/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.logStore.filter(c.Query("connector"), c.Query("level"))})
	})

	router.GET("/api/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.resourceSampler.snapshot()})
	})

	return router, nil
}

func (s *Server) abort(c *gin.Context, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrUnknownConnector):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, orchestrator.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
