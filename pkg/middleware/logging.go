package middleware

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/rizome-dev/conductor/pkg/logging"
	"github.com/rizome-dev/conductor/pkg/monitoring"
)

// RequestIDHeader carries the request id in both directions
const RequestIDHeader = "X-Request-ID"

// RequestID tags every request with an id, reusing the caller's when given
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Request().Header.Get(RequestIDHeader)
			if id == "" {
				id = uuid.New().String()
			}
			c.Response().Header().Set(RequestIDHeader, id)
			c.Set("request_id", id)
			return next(c)
		}
	}
}

// RequestLogger logs each request when it completes and records its
// latency against the matched route
func RequestLogger(logger *logging.Logger, monitor *monitoring.Monitor) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			duration := time.Since(start)

			req, res := c.Request(), c.Response()
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			monitor.RecordHTTPRequest(req.Method, route, res.Status, duration)

			fields := map[string]interface{}{
				"method":           req.Method,
				"path":             req.URL.Path,
				"status_code":      res.Status,
				"response_time_ms": duration.Milliseconds(),
				"remote_ip":        c.RealIP(),
			}
			if id, ok := c.Get("request_id").(string); ok {
				fields["request_id"] = id
			}
			l := logger.WithFields(fields)
			if res.Status >= 500 {
				l.Error("HTTP request failed")
			} else {
				l.Debug("HTTP request completed")
			}
			return nil
		}
	}
}

// UnaryLoggingInterceptor logs gRPC calls
func UnaryLoggingInterceptor(logger *logging.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		l := logger.WithFields(map[string]interface{}{
			"method":           info.FullMethod,
			"response_time_ms": time.Since(start).Milliseconds(),
		})
		if err != nil {
			if s, ok := status.FromError(err); ok {
				l = l.WithField("grpc_code", s.Code().String())
			}
			l.WithError(err).Warn("gRPC request failed")
		} else {
			l.Debug("gRPC request completed")
		}
		return resp, err
	}
}
