// Package httpapi exposes a read-only HTTP view of the relay: health and the
// current channel/participant state. Moderation stays in-band on the UDP
// socket; nothing here mutates the registry.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"throttletalk/server/internal/core"
	"throttletalk/server/internal/relay"
)

// Server is the Echo application.
type Server struct {
	echo     *echo.Echo
	registry *core.Registry
	stats    func() relay.Stats
}

// New constructs the Echo app over a registry and a relay stats source.
func New(registry *core.Registry, stats func() relay.Stats) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, registry: registry, stats: stats}
	e.GET("/health", s.handleHealth)
	e.GET("/api/state", s.handleState)
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status       string `json:"status"`
	Channels     int    `json:"channels"`
	Participants int    `json:"participants"`
}

func (s *Server) handleHealth(c echo.Context) error {
	channels, participants := s.registry.Counts()
	return c.JSON(http.StatusOK, healthResponse{
		Status:       "ok",
		Channels:     channels,
		Participants: participants,
	})
}

type stateResponse struct {
	Channels  []core.ChannelInfo `json:"channels"`
	Received  uint64             `json:"datagrams_received"`
	Forwarded uint64             `json:"datagrams_forwarded"`
	Malformed uint64             `json:"datagrams_malformed"`
	Bytes     uint64             `json:"bytes_received"`
}

func (s *Server) handleState(c echo.Context) error {
	channels := s.registry.Snapshot()
	if channels == nil {
		channels = []core.ChannelInfo{}
	}
	st := s.stats()
	return c.JSON(http.StatusOK, stateResponse{
		Channels:  channels,
		Received:  st.Received,
		Forwarded: st.Forwarded,
		Malformed: st.Malformed,
		Bytes:     st.Bytes,
	})
}
