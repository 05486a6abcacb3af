package metrics

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/tilezen/quadcat/pkg/log"
	"github.com/tilezen/quadcat/pkg/state"
)

type StatsdMetricsWriter struct {
	addr   *net.UDPAddr
	prefix string
	logger log.JsonLogger
	queue  chan *state.RequestState
}

func (smw *StatsdMetricsWriter) Process(reqState *state.RequestState) {
	conn, err := net.DialUDP("udp", nil, smw.addr)
	if err != nil {
		smw.logger.Error(log.LogCategory_Metrics, "Metrics Writer failed to connect to %s: %s\n", smw.addr, err)
		return
	}
	defer conn.Close()

	w := bufio.NewWriter(conn)
	defer w.Flush()

	smw.write(w, reqState)
}

func (smw *StatsdMetricsWriter) write(w io.Writer, reqState *state.RequestState) {
	psw := prefixedStatsdWriter{
		prefix: smw.prefix,
		w:      w,
	}

	psw.WriteCount("count", 1)
	if reqState.LayerType != "" {
		psw.WriteCount(fmt.Sprintf("layertype.%s", reqState.LayerType), 1)
	}

	if reqState.FetchSize.BodySize > 0 {
		psw.WriteGauge("fetchsize.body-size", int(reqState.FetchSize.BodySize))
		psw.WriteGauge("fetchsize.buffer-length", int(reqState.FetchSize.BytesLength))
		psw.WriteGauge("fetchsize.buffer-capacity", int(reqState.FetchSize.BytesCap))
	}

	psw.WriteTimer("timers.parse", reqState.Duration.Parse)
	psw.WriteTimer("timers.lookup", reqState.Duration.Lookup)
	psw.WriteTimer("timers.version", reqState.Duration.Version)
	psw.WriteTimer("timers.metadata", reqState.Duration.Metadata)
	psw.WriteTimer("timers.blob-fetch", reqState.Duration.BlobFetch)
	psw.WriteTimer("timers.response-write", reqState.Duration.RespWrite)
	psw.WriteTimer("timers.total", reqState.Duration.Total)

	if responseSize := reqState.ResponseSize; responseSize > 0 {
		psw.WriteGauge("response-size", responseSize)
	}

	respState := reqState.ResponseState
	if respState > state.ResponseState_Nil && respState < state.ResponseState_Count {
		psw.WriteCount(fmt.Sprintf("responsestate.%s", respState.String()), 1)
	} else {
		smw.logger.Error(log.LogCategory_InvalidCodeState, "Invalid response state: %d", int32(respState))
	}

	fetchState := reqState.FetchState
	if fetchState > state.FetchState_Nil && fetchState < state.FetchState_Count {
		psw.WriteCount(fmt.Sprintf("fetchstate.%s", fetchState.String()), 1)
	} else if fetchState != state.FetchState_Nil {
		smw.logger.Error(log.LogCategory_InvalidCodeState, "Invalid fetch state: %d", int32(fetchState))
	}

	if reqState.FailedStage > state.Stage_Nil {
		psw.WriteCount(fmt.Sprintf("errors.stage.%s", reqState.FailedStage.String()), 1)
	}

	psw.WriteBool("counts.aggregated", reqState.Aggregated)
	psw.WriteBool("counts.lastmodified", reqState.StorageMetadata.HasLastModified)
	psw.WriteBool("counts.etag", reqState.StorageMetadata.HasEtag)
	psw.WriteBool("cache.locator-hit", reqState.Cache.LocatorHit)
	psw.WriteBool("cache.metadata-hit", reqState.Cache.MetadataHit)
	psw.WriteBool("cache.blob-hit", reqState.Cache.BlobHit)

	psw.WriteBool("errors.response-write-error", reqState.IsResponseWriteError)
	psw.WriteBool("errors.condition-parse-error", reqState.IsCondError)
}

func (smw *StatsdMetricsWriter) WriteRequestState(reqState *state.RequestState) {
	select {
	case smw.queue <- reqState:
	default:
		smw.logger.Warning(log.LogCategory_Metrics, "Metrics Writer queue full\n")
	}
}

func NewStatsdMetricsWriter(addr *net.UDPAddr, metricsPrefix string, logger log.JsonLogger) MetricsWriter {
	maxQueueSize := 4096
	queue := make(chan *state.RequestState, maxQueueSize)

	smw := &StatsdMetricsWriter{
		addr:   addr,
		prefix: metricsPrefix,
		logger: logger,
		queue:  queue,
	}

	go func(smw *StatsdMetricsWriter) {
		for reqState := range smw.queue {
			smw.Process(reqState)
		}
	}(smw)

	return smw
}

func makeMetricPrefix(prefix string, metric string) string {
	if prefix == "" {
		return metric
	} else {
		return fmt.Sprintf("%s.%s", prefix, metric)
	}
}

func makeStatsdLineCount(prefix string, metric string, value int) string {
	return fmt.Sprintf("%s:%d|c\n", makeMetricPrefix(prefix, metric), value)
}

func makeStatsdLineGauge(prefix string, metric string, value int) string {
	return fmt.Sprintf("%s:%d|g\n", makeMetricPrefix(prefix, metric), value)
}

func makeStatsdLineTimer(prefix string, metric string, value time.Duration) string {
	millis := value.Milliseconds()
	return fmt.Sprintf("%s:%d|ms\n", makeMetricPrefix(prefix, metric), millis)
}

type prefixedStatsdWriter struct {
	prefix string
	w      io.Writer
}

func (psw *prefixedStatsdWriter) WriteCount(metric string, value int) {
	io.WriteString(psw.w, makeStatsdLineCount(psw.prefix, metric, value))
}

func (psw *prefixedStatsdWriter) WriteGauge(metric string, value int) {
	io.WriteString(psw.w, makeStatsdLineGauge(psw.prefix, metric, value))
}

func (psw *prefixedStatsdWriter) WriteBool(metric string, value bool) {
	if value {
		psw.WriteCount(metric, 1)
	}
}

func (psw *prefixedStatsdWriter) WriteTimer(metric string, value time.Duration) {
	io.WriteString(psw.w, makeStatsdLineTimer(psw.prefix, metric, value))
}
