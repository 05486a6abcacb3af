package handler

import (
	"net/http"

	"github.com/tilezen/quadcat/pkg/layer"
	"github.com/tilezen/quadcat/pkg/state"
	"github.com/tilezen/quadcat/pkg/storage"
	"github.com/tilezen/quadcat/pkg/tile"
)

type ParseResultType int

const (
	ParseResultType_Nil ParseResultType = iota
	ParseResultType_Tile
	ParseResultType_Partition
)

type Parser interface {
	Parse(*http.Request) (*ParseResult, error)
}

type ParseResult struct {
	Type        ParseResultType
	Cond        storage.Condition
	ContentType string
	HttpData    state.HttpRequestData
	// options applied to the layer request, built from the query string
	Options []layer.RequestOption
	// set to be more specific data based on parse type
	AdditionalData interface{}
}

type TileParseData struct {
	Key   tile.QuadKey
	Depth uint32
}

type PartitionParseData struct {
	PartitionID string
}
