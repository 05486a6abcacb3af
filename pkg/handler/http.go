package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/tilezen/quadcat/pkg/layer"
	"github.com/tilezen/quadcat/pkg/state"
	"github.com/tilezen/quadcat/pkg/storage"
)

func ParseHttpData(req *http.Request) state.HttpRequestData {
	var apiKey string
	q := req.URL.Query()
	if apiKeys, ok := q["api_key"]; ok && len(apiKeys) > 0 {
		apiKey = apiKeys[0]
	}
	return state.HttpRequestData{
		Path:      req.URL.Path,
		ApiKey:    apiKey,
		UserAgent: req.UserAgent(),
		Referrer:  req.Referer(),
	}
}

// try and parse a range of different date formats which are allowed by HTTP.
func parseHTTPDates(date string) (*time.Time, error) {
	timeLayouts := []string{
		http.TimeFormat,
		time.RFC1123, time.RFC1123Z,
		time.RFC822, time.RFC822Z,
		time.RFC850, time.ANSIC,
	}

	var err error
	var ts time.Time

	for _, layout := range timeLayouts {
		ts, err = time.Parse(layout, date)
		if err == nil {
			return &ts, nil
		}
	}

	// give the error for our preferred format
	_, err = time.Parse(http.TimeFormat, date)
	return nil, err
}

func ParseCondition(req *http.Request) (storage.Condition, *CondParseError) {
	result := storage.Condition{}
	var err error
	ifNoneMatch := req.Header.Get("If-None-Match")
	if ifNoneMatch != "" {
		result.IfNoneMatch = &ifNoneMatch
	}

	ifModifiedSince := req.Header.Get("If-Modified-Since")
	if ifModifiedSince != "" {
		result.IfModifiedSince, err = parseHTTPDates(ifModifiedSince)
		if err != nil {
			return result, &CondParseError{IfModifiedSinceError: err}
		}
	}

	return result, nil
}

// parseOptions reads the billing tag and version pin from the query string.
func parseOptions(req *http.Request) ([]layer.RequestOption, *OptionParseError) {
	var opts []layer.RequestOption
	q := req.URL.Query()

	if tag := q.Get("billingTag"); tag != "" {
		opts = append(opts, layer.WithBillingTag(tag))
	}
	if v := q.Get("version"); v != "" {
		version, err := strconv.ParseInt(v, 10, 64)
		if err != nil || version < 0 {
			return nil, &OptionParseError{BadVersion: v}
		}
		opts = append(opts, layer.WithVersion(version))
	}
	return opts, nil
}

// conditionOptions turns a parsed condition into request options.
func conditionOptions(c storage.Condition) []layer.RequestOption {
	var opts []layer.RequestOption
	if c.IfNoneMatch != nil {
		opts = append(opts, layer.WithETag(*c.IfNoneMatch))
	}
	if c.IfModifiedSince != nil {
		opts = append(opts, layer.WithIfModifiedSince(*c.IfModifiedSince))
	}
	return opts
}

type CondParseError struct {
	IfModifiedSinceError error
}

func (cpe *CondParseError) Error() string {
	return cpe.IfModifiedSinceError.Error()
}

type ParseError struct {
	MimeError   *MimeParseError
	CoordError  *CoordParseError
	CondError   *CondParseError
	OptionError *OptionParseError
}

func (pe *ParseError) Error() string {
	if pe.MimeError != nil {
		return pe.MimeError.Error()
	} else if pe.CoordError != nil {
		return pe.CoordError.Error()
	} else if pe.OptionError != nil {
		return pe.OptionError.Error()
	} else if pe.CondError != nil {
		return pe.CondError.Error()
	} else {
		panic("ParseError: No error")
	}
}

type MimeParseError struct {
	BadFormat string
}

func (mpe *MimeParseError) Error() string {
	return fmt.Sprintf("Invalid format: %s", mpe.BadFormat)
}

type CoordParseError struct {
	// relevant values are set when parse fails
	BadZ       string
	BadX       string
	BadY       string
	BadQuadKey string
	BadDepth   string
	// set when the values parse but do not name a tile
	Err error
}

func (cpe *CoordParseError) IsError() bool {
	return cpe.BadZ != "" || cpe.BadX != "" || cpe.BadY != "" ||
		cpe.BadQuadKey != "" || cpe.BadDepth != "" || cpe.Err != nil
}

func (cpe *CoordParseError) Error() string {
	if cpe.BadZ != "" {
		return fmt.Sprintf("Invalid z: %s", cpe.BadZ)
	}
	if cpe.BadX != "" {
		return fmt.Sprintf("Invalid x: %s", cpe.BadX)
	}
	if cpe.BadY != "" {
		return fmt.Sprintf("Invalid y: %s", cpe.BadY)
	}
	if cpe.BadQuadKey != "" {
		return fmt.Sprintf("Invalid quad key: %s", cpe.BadQuadKey)
	}
	if cpe.BadDepth != "" {
		return fmt.Sprintf("Invalid depth: %s", cpe.BadDepth)
	}
	if cpe.Err != nil {
		return cpe.Err.Error()
	}
	panic("No coord parse error")
}

type OptionParseError struct {
	BadVersion string
}

func (ope *OptionParseError) Error() string {
	return fmt.Sprintf("Invalid version: %s", ope.BadVersion)
}
