package grpc

import (
	"context"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health-checked service; the empty name reports the same status
const ServiceName = "nyyu.chartfeed.Datafeed"

// UpdateHealth serves while the feed accepts subscriptions
func (s *Server) UpdateHealth() healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.feed != nil && s.feed.IsConnected() && s.feed.IsReadyForSubscriptions() {
		status = healthpb.HealthCheckResponse_SERVING
	}

	s.mu.Lock()
	changed := status != s.status
	s.status = status
	s.mu.Unlock()

	if changed {
		s.health.SetServingStatus("", status)
		s.health.SetServingStatus(ServiceName, status)
		s.logger.WithField("status", status.String()).Info("Health status changed")
	}
	return status
}

// WatchHealth refreshes the health status until ctx is done
func (s *Server) WatchHealth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.UpdateHealth()
		}
	}
}

// Uptime returns how long the server has been running
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime)
}
