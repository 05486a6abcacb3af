package handler

import (
	"context"
	"net/http"

	"github.com/tilezen/quadcat/pkg/log"
)

type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

func HealthCheckHandler(checkers map[string]HealthChecker, logger log.JsonLogger) http.Handler {

	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		healthy := true

		for name, c := range checkers {
			err := c.HealthCheck(req.Context())

			if err != nil {
				logger.Error(log.LogCategory_StorageError, "Healthcheck on storage %s failed: %s", name, err.Error())
				healthy = false
				break
			}
		}

		if healthy {
			rw.WriteHeader(http.StatusOK)
		} else {
			rw.WriteHeader(http.StatusInternalServerError)
		}
	})
}
