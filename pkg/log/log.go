package log

import (
	"bytes"
	"expvar"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// all messages are logged as json, which allows us to more effectively
// filter logs. The JsonLogger interface guides every message to a similar
// shape: a type, an optional category and a message.

type LogCategory int32

const (
	LogCategory_Nil LogCategory = iota
	LogCategory_InvalidCodeState
	LogCategory_ParseError
	LogCategory_ConditionError
	LogCategory_LookupError
	LogCategory_VersionError
	LogCategory_MetadataError
	LogCategory_StorageError
	LogCategory_CacheError
	LogCategory_ResponseError
	LogCategory_ConfigError
	LogCategory_Metrics
	LogCategory_ExpVars
)

func (lc LogCategory) String() string {
	switch lc {
	case LogCategory_Nil:
		return "nil"
	case LogCategory_InvalidCodeState:
		return "invalid_code_state"
	case LogCategory_ParseError:
		return "parse"
	case LogCategory_ConditionError:
		return "condition"
	case LogCategory_LookupError:
		return "lookup"
	case LogCategory_VersionError:
		return "version"
	case LogCategory_MetadataError:
		return "metadata"
	case LogCategory_StorageError:
		return "storage"
	case LogCategory_CacheError:
		return "cache"
	case LogCategory_ResponseError:
		return "response"
	case LogCategory_ConfigError:
		return "config"
	case LogCategory_Metrics:
		return "metrics"
	case LogCategory_ExpVars:
		return "expvars"
	}
	panic(fmt.Sprintf("Unknown json category: %d\n", int32(lc)))
}

type JsonLogger interface {
	// helpful for basic one liners
	Info(string, ...interface{})
	Warning(LogCategory, string, ...interface{})
	Error(LogCategory, string, ...interface{})

	// for logging request metrics specifically
	Metrics(map[string]interface{})

	// for logging expvars specifically
	ExpVars()

	// allows adding more metadata, and will remain *mostly*
	// unperturbed, will add minimal supplemental metadata before logging
	Log(map[string]interface{}, ...interface{})
}

type Config struct {
	Level     string
	Console   bool
	SampleN   int
	Component string
}

// Build configures a zerolog logger writing to out, stdout when nil.
func Build(cfg Config, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.TimestampFieldName = "timestamp"
	zerolog.MessageFieldName = "message"

	if cfg.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	base := zerolog.New(out)
	if cfg.SampleN > 1 {
		base = base.Sample(&zerolog.BasicSampler{N: uint32(cfg.SampleN)})
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Level)) {
	case "debug":
		base = base.Level(zerolog.DebugLevel)
	case "warn":
		base = base.Level(zerolog.WarnLevel)
	case "error":
		base = base.Level(zerolog.ErrorLevel)
	default:
		base = base.Level(zerolog.InfoLevel)
	}

	ctx := base.With().Timestamp()
	if cfg.Component != "" {
		ctx = ctx.Str("component", cfg.Component)
	}
	return ctx.Logger()
}

type JsonLoggerImpl struct {
	Hostname string
	Logger   zerolog.Logger
}

func NewJsonLogger(logger zerolog.Logger, hostname string) JsonLogger {
	return &JsonLoggerImpl{
		Logger:   logger.With().Str("hostname", hostname).Logger(),
		Hostname: hostname,
	}
}

func msgf(msg string, xs []interface{}) string {
	if len(xs) == 0 {
		return msg
	}
	return fmt.Sprintf(msg, xs...)
}

func (l *JsonLoggerImpl) Log(jsonMap map[string]interface{}, xs ...interface{}) {
	// if there are args, interpolate into the "message"
	// that key is assumed to be the string that gets interpolated
	msg := ""
	if msgValue, ok := jsonMap["message"]; ok {
		if msgStr, ok := msgValue.(string); ok {
			msg = msgf(msgStr, xs)
			delete(jsonMap, "message")
		}
	}
	l.Logger.Log().Fields(jsonMap).Msg(msg)
}

func (l *JsonLoggerImpl) Info(msg string, xs ...interface{}) {
	l.Logger.Info().Str("type", "info").Msg(msgf(msg, xs))
}

func (l *JsonLoggerImpl) Warning(category LogCategory, msg string, xs ...interface{}) {
	l.Logger.Warn().
		Str("type", "warning").
		Str("category", category.String()).
		Msg(msgf(msg, xs))
}

func (l *JsonLoggerImpl) Error(category LogCategory, msg string, xs ...interface{}) {
	l.Logger.Error().
		Str("type", "error").
		Str("category", category.String()).
		Msg(msgf(msg, xs))
}

func (l *JsonLoggerImpl) Metrics(metricsData map[string]interface{}) {
	l.Logger.Info().
		Str("type", "info").
		Str("category", LogCategory_Metrics.String()).
		Fields(metricsData).
		Send()
}

func (l *JsonLoggerImpl) ExpVars() {

	// The values of expvar.Vars are already json encoded, so they are
	// assembled into a raw json object instead of going through Fields,
	// which would escape them again.

	var buffer bytes.Buffer
	buffer.WriteString("{")
	first := true
	expvar.Do(func(kv expvar.KeyValue) {
		if first {
			first = false
		} else {
			buffer.WriteString(",")
		}
		fmt.Fprintf(&buffer, "\"%s\":%s", kv.Key, kv.Value.String())
	})
	buffer.WriteString("}")
	l.Logger.Info().
		Str("type", "info").
		Str("category", LogCategory_ExpVars.String()).
		RawJSON("expvars", buffer.Bytes()).
		Send()
}

type NilJsonLogger struct{}

func (_ *NilJsonLogger) Log(_ map[string]interface{}, _ ...interface{})    {}
func (_ *NilJsonLogger) Info(_ string, _ ...interface{})                   {}
func (_ *NilJsonLogger) Warning(_ LogCategory, _ string, _ ...interface{}) {}
func (_ *NilJsonLogger) Error(_ LogCategory, _ string, _ ...interface{})   {}
func (_ *NilJsonLogger) Metrics(_ map[string]interface{})                  {}
func (_ *NilJsonLogger) ExpVars()                                          {}
