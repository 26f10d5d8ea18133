package main

import (
	"context"
	"net/http"

	"github.com/astrbook/bridge/governor"
	"github.com/astrbook/bridge/stream"

	"github.com/carlmjohnson/versioninfo"
	"github.com/labstack/echo/v4"
)

type healthStatus struct {
	Service string `json:"service"`
	Status  string `json:"status"`
	Version string `json:"version"`
}

func (s *Server) handleHealthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, healthStatus{Service: "bridged", Status: "ok", Version: versioninfo.Short()})
}

type statusResponse struct {
	Stream   stream.Snapshot `json:"stream"`
	Governor governor.Status `json:"governor"`
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{
		Stream:   s.stream.Status(),
		Governor: s.gov.Status(),
	})
}

// Forced cycles run in the background and return immediately; they do not
// move the schedules' next planned runs.
func (s *Server) handleTriggerBrowse(c echo.Context) error {
	s.logger.Info("browse cycle force-triggered")
	go s.gov.BrowseOnce(context.Background())
	return c.JSON(http.StatusAccepted, map[string]string{"status": "browse cycle started"})
}

func (s *Server) handleTriggerPost(c echo.Context) error {
	s.logger.Info("post cycle force-triggered")
	go s.gov.PostOnce(context.Background())
	return c.JSON(http.StatusAccepted, map[string]string{"status": "post cycle started"})
}
