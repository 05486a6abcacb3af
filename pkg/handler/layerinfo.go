package handler

import (
	"encoding/json"
	"net/http"

	"github.com/tilezen/quadcat/pkg/catalog"
	"github.com/tilezen/quadcat/pkg/layer"
	"github.com/tilezen/quadcat/pkg/log"
)

type layerInfo struct {
	Catalog      string                    `json:"catalog"`
	Layer        string                    `json:"layer"`
	Type         string                    `json:"type"`
	MaxTileDepth int                       `json:"maxTileDepth"`
	Endpoints    []catalog.ServiceEndpoint `json:"endpoints"`
}

// LayerInfoHandler describes the layer a client serves, along with the
// service endpoints resolved for its catalog so far.
func LayerInfoHandler(client *layer.Client, logger log.JsonLogger) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		info := layerInfo{
			Catalog:      client.Catalog().String(),
			Layer:        client.Layer(),
			Type:         client.LayerType().String(),
			MaxTileDepth: layer.MaxTileDepth,
			Endpoints:    client.Endpoints(),
		}
		if info.Endpoints == nil {
			info.Endpoints = []catalog.ServiceEndpoint{}
		}

		body, err := json.Marshal(info)
		if err != nil {
			logger.Error(log.LogCategory_ResponseError, "Failed to marshal layer info: %s", err)
			http.Error(rw, "Internal server error", http.StatusInternalServerError)
			return
		}

		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(http.StatusOK)
		if _, err := rw.Write(body); err != nil {
			logger.Error(log.LogCategory_ResponseError, "Failed to write layer info: %s", err)
		}
	})
}
