package state

import (
	"errors"
	"time"

	"github.com/tilezen/quadcat/pkg/tile"
)

type ReqResponseState int32

const (
	ResponseState_Nil ReqResponseState = iota
	ResponseState_Success
	ResponseState_NotModified
	ResponseState_NotFound
	ResponseState_BadRequest
	ResponseState_Cancelled
	ResponseState_BadGateway
	ResponseState_Error
	ResponseState_Count
)

func (rrs ReqResponseState) String() string {
	switch rrs {
	case ResponseState_Nil:
		return "nil"
	case ResponseState_Success:
		return "ok"
	case ResponseState_NotModified:
		return "notmod"
	case ResponseState_NotFound:
		return "notfound"
	case ResponseState_BadRequest:
		return "badreq"
	case ResponseState_Cancelled:
		return "cancelled"
	case ResponseState_BadGateway:
		return "badgateway"
	case ResponseState_Error:
		return "err"
	default:
		return "unknown"
	}
}

// StatusClientClosedRequest is the nginx convention for a request the client
// abandoned.
const StatusClientClosedRequest = 499

func (rrs ReqResponseState) AsStatusCode() int {
	switch rrs {
	case ResponseState_Nil:
		return 0
	case ResponseState_Success:
		return 200
	case ResponseState_NotModified:
		return 304
	case ResponseState_NotFound:
		return 404
	case ResponseState_BadRequest:
		return 400
	case ResponseState_Cancelled:
		return StatusClientClosedRequest
	case ResponseState_BadGateway:
		return 502
	case ResponseState_Error:
		return 500
	default:
		return -1
	}
}

// ResponseStateFor maps a resolution error onto the response it should
// produce.
func ResponseStateFor(err error) ReqResponseState {
	switch {
	case err == nil:
		return ResponseState_Success
	case IsCancelled(err):
		return ResponseState_Cancelled
	case IsNotFound(err):
		return ResponseState_NotFound
	case errors.Is(err, ErrTransport), errors.Is(err, ErrVersionResolution), errors.Is(err, ErrServiceNotFound):
		return ResponseState_BadGateway
	default:
		return ResponseState_Error
	}
}

type ReqFetchState int32

const (
	FetchState_Nil ReqFetchState = iota
	FetchState_Success
	FetchState_NotModified
	FetchState_NotFound
	FetchState_FetchError
	FetchState_ReadError
	FetchState_Cancelled
	FetchState_Count
)

func (rfs ReqFetchState) String() string {
	switch rfs {
	case FetchState_Nil:
		return "nil"
	case FetchState_Success:
		return "ok"
	case FetchState_NotModified:
		return "notmod"
	case FetchState_NotFound:
		return "notfound"
	case FetchState_FetchError:
		return "fetcherr"
	case FetchState_ReadError:
		return "readerr"
	case FetchState_Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

type HttpRequestData struct {
	Path      string
	ApiKey    string
	UserAgent string
	Referrer  string
}

type ReqCacheData struct {
	LocatorHit   bool
	VersionKnown bool
	MetadataHit  bool
	BlobHit      bool
}

type ReqFetchSize struct {
	BodySize    int64
	BytesLength int64
	BytesCap    int64
}

type ReqStorageMetadata struct {
	HasLastModified bool
	HasEtag         bool
}

type ReqDuration struct {
	Parse     time.Duration
	Lookup    time.Duration
	Version   time.Duration
	Metadata  time.Duration
	BlobFetch time.Duration
	RespWrite time.Duration
	Total     time.Duration
}

// RequestState collects what happened during one resolution chain. It is
// logged as json and fed to the metrics writer once the chain ends.
type RequestState struct {
	ResponseState        ReqResponseState
	FetchState           ReqFetchState
	FetchSize            ReqFetchSize
	StorageMetadata      ReqStorageMetadata
	Cache                ReqCacheData
	Duration             ReqDuration
	Catalog              string
	Layer                string
	LayerType            string
	Partition            string
	Requested            *tile.QuadKey
	Served               *tile.QuadKey
	Aggregated           bool
	Version              *int64
	FailedStage          Stage
	ErrorKind            error
	IsResponseWriteError bool
	IsCondError          bool
	HttpData             HttpRequestData
	ResponseSize         int
}

// Fail records err as the outcome of the chain.
func (reqState *RequestState) Fail(err error) {
	reqState.ResponseState = ResponseStateFor(err)
	reqState.FailedStage = StageOf(err)
	reqState.ErrorKind = KindOf(err)
}

func quadKeyJson(q *tile.QuadKey) map[string]interface{} {
	return map[string]interface{}{
		"row":    q.Row,
		"column": q.Column,
		"depth":  q.Depth,
		"morton": q.MortonString(),
	}
}

func (reqState *RequestState) AsJsonMap() map[string]interface{} {

	result := make(map[string]interface{})

	if reqState.FetchState > FetchState_Nil {
		fetchResult := make(map[string]interface{})

		fetchResult["state"] = reqState.FetchState.String()

		if reqState.FetchSize.BodySize > 0 {
			fetchResult["size"] = map[string]int64{
				"body":      reqState.FetchSize.BodySize,
				"bytes_len": reqState.FetchSize.BytesLength,
				"bytes_cap": reqState.FetchSize.BytesCap,
			}
		}

		fetchResult["metadata"] = map[string]bool{
			"has_last_modified": reqState.StorageMetadata.HasLastModified,
			"has_etag":          reqState.StorageMetadata.HasEtag,
		}

		result["fetch"] = fetchResult
	}

	reqStateErrs := make(map[string]interface{})
	if reqState.FailedStage > Stage_Nil {
		reqStateErrs["stage"] = reqState.FailedStage.String()
	}
	if reqState.ErrorKind != nil {
		reqStateErrs["kind"] = reqState.ErrorKind.Error()
	}
	if reqState.IsResponseWriteError {
		reqStateErrs["response_write"] = true
	}
	if reqState.IsCondError {
		reqStateErrs["cond"] = true
	}
	if len(reqStateErrs) > 0 {
		result["error"] = reqStateErrs
	}

	result["timing"] = map[string]int64{
		"parse":      reqState.Duration.Parse.Milliseconds(),
		"lookup":     reqState.Duration.Lookup.Milliseconds(),
		"version":    reqState.Duration.Version.Milliseconds(),
		"metadata":   reqState.Duration.Metadata.Milliseconds(),
		"blob_fetch": reqState.Duration.BlobFetch.Milliseconds(),
		"resp_write": reqState.Duration.RespWrite.Milliseconds(),
		"total":      reqState.Duration.Total.Milliseconds(),
	}

	layerJsonData := make(map[string]interface{})
	if reqState.Catalog != "" {
		layerJsonData["catalog"] = reqState.Catalog
	}
	if reqState.Layer != "" {
		layerJsonData["layer"] = reqState.Layer
	}
	if reqState.LayerType != "" {
		layerJsonData["type"] = reqState.LayerType
	}
	if reqState.Partition != "" {
		layerJsonData["partition"] = reqState.Partition
	}
	if reqState.Version != nil {
		layerJsonData["version"] = *reqState.Version
	}
	if reqState.Requested != nil {
		layerJsonData["requested"] = quadKeyJson(reqState.Requested)
	}
	if reqState.Served != nil {
		layerJsonData["served"] = quadKeyJson(reqState.Served)
		layerJsonData["aggregated"] = reqState.Aggregated
	}
	result["layer"] = layerJsonData

	httpJsonData := make(map[string]interface{})
	httpJsonData["path"] = reqState.HttpData.Path
	if userAgent := reqState.HttpData.UserAgent; userAgent != "" {
		httpJsonData["user_agent"] = userAgent
	}
	if referrer := reqState.HttpData.Referrer; referrer != "" {
		httpJsonData["referer"] = referrer
	}
	if apiKey := reqState.HttpData.ApiKey; apiKey != "" {
		httpJsonData["api_key"] = apiKey
	}
	if responseSize := reqState.ResponseSize; responseSize > 0 {
		httpJsonData["response_size"] = responseSize
	}
	httpJsonData["status"] = reqState.ResponseState.AsStatusCode()
	result["http"] = httpJsonData

	result["cache"] = map[string]bool{
		"locator_hit":   reqState.Cache.LocatorHit,
		"version_known": reqState.Cache.VersionKnown,
		"metadata_hit":  reqState.Cache.MetadataHit,
		"blob_hit":      reqState.Cache.BlobHit,
	}

	return result
}
