package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/tilezen/quadcat/pkg/layer"
	"github.com/tilezen/quadcat/pkg/log"
	"github.com/tilezen/quadcat/pkg/metrics"
	"github.com/tilezen/quadcat/pkg/state"
	"github.com/tilezen/quadcat/pkg/tile"
)

const defaultContentType = "application/octet-stream"

// LayerHandler serves tiles or partitions of one layer. Options in defaults
// apply to every request and may be overridden by the query string.
func LayerHandler(
	p Parser,
	client *layer.Client,
	defaults []layer.RequestOption,
	mw metrics.MetricsWriter,
	logger log.JsonLogger) http.Handler {

	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		reqState := &state.RequestState{}

		startTime := time.Now()

		defer func() {
			totalDuration := time.Since(startTime)
			reqState.Duration.Total = totalDuration

			if reqState.ResponseState == state.ResponseState_Nil {
				logger.Error(log.LogCategory_InvalidCodeState, "handler did not set response state for %s", req.URL.Path)
			}

			jsonReqData := reqState.AsJsonMap()
			logger.Metrics(jsonReqData)

			// write out metrics
			mw.WriteRequestState(reqState)
		}()

		parseStart := time.Now()
		parseResult, err := p.Parse(req)
		reqState.Duration.Parse = time.Since(parseStart)
		if parseResult != nil {
			// set the http data here so that on 400s we log the path too
			reqState.HttpData = parseResult.HttpData
		}
		if err != nil {
			var sc int
			var response string

			if pe, ok := err.(*ParseError); ok {
				logger.Warning(log.LogCategory_ParseError, err.Error())
				if pe.MimeError != nil {
					sc = http.StatusNotFound
					reqState.ResponseState = state.ResponseState_NotFound
					response = pe.MimeError.Error()
				} else if pe.CoordError != nil {
					sc = http.StatusBadRequest
					reqState.ResponseState = state.ResponseState_BadRequest
					response = pe.CoordError.Error()
				} else if pe.OptionError != nil {
					sc = http.StatusBadRequest
					reqState.ResponseState = state.ResponseState_BadRequest
					response = pe.OptionError.Error()
				} else if pe.CondError != nil {
					reqState.IsCondError = true
					logger.Warning(log.LogCategory_ConditionError, pe.CondError.Error())
				}
			} else {
				logger.Error(log.LogCategory_ParseError, "Unknown parse error: %#v\n", err)
				sc = http.StatusInternalServerError
				response = "Internal server error"
				reqState.ResponseState = state.ResponseState_Error
			}

			// only return an error response when not a condition parse error
			if sc > 0 {
				http.Error(rw, response, sc)
				return
			}
		}

		opts := make([]layer.RequestOption, 0, len(defaults)+len(parseResult.Options)+2)
		opts = append(opts, defaults...)
		opts = append(opts, conditionOptions(parseResult.Cond)...)
		opts = append(opts, parseResult.Options...)

		ctx := layer.WithRequestState(req.Context(), reqState)
		var resp *layer.TileResponse

		switch data := parseResult.AdditionalData.(type) {
		case *TileParseData:
			var tileReq layer.TileRequest
			tileReq, err = layer.NewTileRequest(data.Key, data.Depth, opts...)
			if err == nil {
				resp, err = client.GetByTileKey(ctx, tileReq)
			}
		case *PartitionParseData:
			var partReq layer.PartitionRequest
			partReq, err = layer.NewPartitionRequest(data.PartitionID, opts...)
			if err == nil {
				resp, err = client.GetByPartitionID(ctx, partReq)
			}
		default:
			logger.Error(log.LogCategory_InvalidCodeState, "unexpected parse data %T", parseResult.AdditionalData)
			http.Error(rw, "Internal server error", http.StatusInternalServerError)
			reqState.ResponseState = state.ResponseState_Error
			return
		}

		if err != nil {
			writeErrorResponse(reqState, rw, req, err)
			return
		}

		if resp.NotModified {
			if resp.ETag != "" {
				rw.Header().Set("ETag", resp.ETag)
			}
			rw.WriteHeader(http.StatusNotModified)
			reqState.ResponseState = state.ResponseState_NotModified
			return
		}

		err = writeTileResponse(reqState, rw, parseResult.ContentType, resp)
		if err != nil {
			logger.Error(log.LogCategory_ResponseError, "Failed to write response body: %#v", err)
		}
	})
}

func writeErrorResponse(reqState *state.RequestState, rw http.ResponseWriter, req *http.Request, err error) {
	if errors.Is(err, layer.ErrInvalidRequest) || errors.Is(err, layer.ErrInvalidBillingTag) {
		reqState.ResponseState = state.ResponseState_BadRequest
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}

	// the layer client has logged the failure and filled in the state
	rs := state.ResponseStateFor(err)
	reqState.ResponseState = rs
	switch rs {
	case state.ResponseState_NotFound:
		http.NotFound(rw, req)
	case state.ResponseState_Cancelled:
		// nobody is listening any more
		rw.WriteHeader(rs.AsStatusCode())
	default:
		http.Error(rw, http.StatusText(rs.AsStatusCode()), rs.AsStatusCode())
	}
}

func writeTileResponse(reqState *state.RequestState, rw http.ResponseWriter, contentType string, resp *layer.TileResponse) error {
	headers := rw.Header()

	if contentType == "" {
		contentType = defaultContentType
	}
	headers.Set("Content-Type", contentType)
	headers.Set("Content-Length", fmt.Sprintf("%d", len(resp.Data)))

	if lastMod := resp.LastModified; lastMod != nil {
		// It's important to write the last-modified header in an HTTP-compliant way.
		// Go exposes http.TimeFormat for that, but hard-codes "GMT" at the end, though,
		// so we need to make sure we convert the time to UTC before formatting.
		lastModifiedFormatted := lastMod.UTC().Format(http.TimeFormat)
		headers.Set("Last-Modified", lastModifiedFormatted)
	}

	if resp.ETag != "" {
		headers.Set("ETag", resp.ETag)
	}

	if resp.QuadKey != nil {
		headers.Set("X-Quad-Key", resp.QuadKey.MortonString())
		headers.Set("X-Aggregated", strconv.FormatBool(resp.Aggregated))
	}

	rw.WriteHeader(http.StatusOK)
	reqState.ResponseState = state.ResponseState_Success
	respWriteStart := time.Now()
	n, err := rw.Write(resp.Data)
	reqState.Duration.RespWrite = time.Since(respWriteStart)
	reqState.ResponseSize = n
	if err != nil {
		reqState.IsResponseWriteError = true
		return fmt.Errorf("failed to write response body: %w", err)
	}

	return nil
}

func parseFormat(m map[string]string, format string, mimeMap map[string]string) (string, *MimeParseError) {
	if f, ok := m["fmt"]; ok {
		format = f
	}
	if format == "" {
		return defaultContentType, nil
	}
	contentType, ok := mimeMap[format]
	if !ok {
		return "", &MimeParseError{BadFormat: format}
	}
	return contentType, nil
}

// TileMuxParser reads a tile either as a Morton code in the "quadkey" var or
// as "z", "x" and "y" vars. The optional "depth" query parameter asks for the
// subtree below the tile.
type TileMuxParser struct {
	MimeMap map[string]string
	// Format is used when the route has no "fmt" var.
	Format string
}

func (tp *TileMuxParser) Parse(req *http.Request) (*ParseResult, error) {
	m := mux.Vars(req)

	parseResult := &ParseResult{
		Type:     ParseResultType_Tile,
		HttpData: ParseHttpData(req),
	}
	tileData := &TileParseData{}
	parseResult.AdditionalData = tileData

	contentType, mimeErr := parseFormat(m, tp.Format, tp.MimeMap)
	if mimeErr != nil {
		return parseResult, &ParseError{MimeError: mimeErr}
	}
	parseResult.ContentType = contentType

	var coordError CoordParseError
	if code, ok := m["quadkey"]; ok {
		key, err := tile.ParseMortonCode(code)
		if err != nil {
			coordError.BadQuadKey = code
		}
		tileData.Key = key
	} else {
		z, x, y := m["z"], m["x"], m["y"]
		zv, err := strconv.ParseUint(z, 10, 32)
		if err != nil {
			coordError.BadZ = z
		}
		xv, err := strconv.ParseUint(x, 10, 32)
		if err != nil {
			coordError.BadX = x
		}
		yv, err := strconv.ParseUint(y, 10, 32)
		if err != nil {
			coordError.BadY = y
		}
		if !coordError.IsError() {
			tileData.Key, coordError.Err = tile.New(uint32(yv), uint32(xv), uint32(zv))
		}
	}

	if depth := req.URL.Query().Get("depth"); depth != "" {
		d, err := strconv.ParseUint(depth, 10, 32)
		if err != nil || d > layer.MaxTileDepth {
			coordError.BadDepth = depth
		}
		tileData.Depth = uint32(d)
	}

	if coordError.IsError() {
		return parseResult, &ParseError{
			CoordError: &coordError,
		}
	}

	return finishParse(req, parseResult)
}

// PartitionMuxParser reads a partition id from the "partition" var.
type PartitionMuxParser struct {
	MimeMap map[string]string
	Format  string
}

func (pp *PartitionMuxParser) Parse(req *http.Request) (*ParseResult, error) {
	m := mux.Vars(req)

	parseResult := &ParseResult{
		Type:     ParseResultType_Partition,
		HttpData: ParseHttpData(req),
	}

	contentType, mimeErr := parseFormat(m, pp.Format, pp.MimeMap)
	if mimeErr != nil {
		return parseResult, &ParseError{MimeError: mimeErr}
	}
	parseResult.ContentType = contentType

	partition := m["partition"]
	if partition == "" {
		return parseResult, &ParseError{CoordError: &CoordParseError{Err: errors.New("Missing partition")}}
	}
	parseResult.AdditionalData = &PartitionParseData{PartitionID: partition}

	return finishParse(req, parseResult)
}

func finishParse(req *http.Request, parseResult *ParseResult) (*ParseResult, error) {
	opts, optErr := parseOptions(req)
	if optErr != nil {
		return parseResult, &ParseError{OptionError: optErr}
	}
	parseResult.Options = opts

	var condErr *CondParseError
	parseResult.Cond, condErr = ParseCondition(req)
	if condErr != nil {
		return parseResult, &ParseError{CondError: condErr}
	}

	return parseResult, nil
}
