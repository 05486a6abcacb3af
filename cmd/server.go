package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/bradfitz/gomemcache/memcache"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/namsral/flag"

	"github.com/tilezen/quadcat/pkg/buffer"
	"github.com/tilezen/quadcat/pkg/cache"
	"github.com/tilezen/quadcat/pkg/config"
	"github.com/tilezen/quadcat/pkg/dataservice"
	"github.com/tilezen/quadcat/pkg/handler"
	"github.com/tilezen/quadcat/pkg/layer"
	"github.com/tilezen/quadcat/pkg/log"
	"github.com/tilezen/quadcat/pkg/lookup"
	"github.com/tilezen/quadcat/pkg/metrics"
	"github.com/tilezen/quadcat/pkg/storage"
)

func main() {
	var listen, healthcheck, metricsPath string
	var poolNumEntries, poolEntrySize int
	var metricsStatsdAddr, metricsStatsdPrefix string
	var logLevel string
	var logConsole bool
	var expVarsInterval time.Duration

	hc := config.HandlerConfig{}

	f := flag.NewFlagSetWithEnvPrefix(os.Args[0], "QUADCAT", 0)
	f.Var(&hc, "handler",
		`JSON object defining how request patterns will be handled.
   Aws { Object present when Aws-wide configuration is needed, eg session config.
     Region string Name of aws region
   }
   Lookup {
     BaseURL string    Base url of the api lookup service.
     Token string      Optional bearer token sent on every call.
     Headers {}        Extra headers sent on every call.
     TimeoutMs int     Timeout of one backend call.
   }
   Storage { key -> storage definition mapping
     storage name string -> {
        Type string storage type, can be "http", "s3" or "file"
        Healthcheck string Data handle to fetch when querying health of the storage.

       (s3 storage)
        Bucket     string   Name of S3 bucket to fetch from.
        KeyPattern string   Pattern to fill with prefix, hash, catalog, layer and handle to make the S3 key.
        Prefix     string   Value of the prefix variable.

       (file storage)
        BaseDir    string   Base directory to look for files under.
     }
   }
   Cache { Optional cache shared between processes.
     Type string "none", "redis", "memcache" or "dynamodb"
     Addr string host:port of redis or memcache.
     TTLSeconds int Expiry of cached entries.
     Table string Name of the dynamodb table.
   }
   Layer { key -> layer definition mapping
     layer name string -> {
       Catalog string  HRN of the catalog.
       Layer string    Id of the layer in the catalog.
       Type string     "versioned" (default) or "volatile".
       Version int     Optional catalog version all requests are pinned to.
       MaxDepthBudget, MaxParentSearch, MemoSize int  Optional quad tree search limits.
       Storage string  Optional storage definition name, the blob service is used otherwise.
     }
   }
   Pattern { request pattern -> route configuration mapping
     request pattern string -> {
       Layer string   Name of layer definition to serve.
       Type string    "tile" (default), "partition" or "layerinfo".
       Format string  Key into the mime map, when the pattern has no fmt variable.
     }
   }
   Mime { extension -> content-type used in http response
   }
`)
	f.StringVar(&listen, "listen", ":8080", "interface and port to listen on")
	f.String("config", "", "Config file to read values from.")
	f.StringVar(&healthcheck, "healthcheck", "", "A URL path for healthcheck. Intended for use by load balancer health checks.")

	f.IntVar(&poolNumEntries, "poolnumentries", 0, "Number of buffers to pool.")
	f.IntVar(&poolEntrySize, "poolentrysize", 0, "Size of each buffer in pool.")

	f.StringVar(&metricsStatsdAddr, "metrics-statsd-addr", "", "host:port to use to send data to statsd")
	f.StringVar(&metricsStatsdPrefix, "metrics-statsd-prefix", "", "prefix to prepend to metrics")
	f.StringVar(&metricsPath, "metrics-path", "/metrics", "URL path of the prometheus metrics, empty to disable")

	f.StringVar(&logLevel, "log-level", "info", "one of debug, info, warn or error")
	f.BoolVar(&logConsole, "log-console", false, "human readable logs instead of json")
	f.DurationVar(&expVarsInterval, "expvars-interval", 0, "How often to log runtime stats, 0 to disable.")

	err := f.Parse(os.Args[1:])

	hostname, hostErr := os.Hostname()
	zl := log.Build(log.Config{Level: logLevel, Console: logConsole, Component: "quadcat"}, os.Stdout)
	if hostErr != nil {
		// NOTE: if there are legitimate cases when this can fail, we
		// can leave off the hostname in the logger.
		// But for now we prefer to get notified of it.
		zl.Fatal().Err(hostErr).Msg("Cannot find hostname to use for logger")
	}
	// use this logger everywhere.
	logger := log.NewJsonLogger(zl, hostname)

	if err == flag.ErrHelp {
		return
	} else if err != nil {
		logFatalCfgErr(logger, "Unable to parse input command line, environment or config: %s", err.Error())
	}

	if err := hc.Validate(); err != nil {
		logFatalCfgErr(logger, "Invalid handler configuration: %s", err)
	}

	r := mux.NewRouter()

	// buffer manager shared by all handlers
	bufferManager := buffer.NewBufferManager(poolNumEntries, poolEntrySize)

	// metrics writer configuration
	mws := metrics.MultiMetricsWriter{}
	if metricsStatsdAddr != "" {
		udpAddr, err := net.ResolveUDPAddr("udp4", metricsStatsdAddr)
		if err != nil {
			logFatalCfgErr(logger, "Invalid metricsstatsdaddr %s: %s", metricsStatsdAddr, err)
		}
		mws = append(mws, metrics.NewStatsdMetricsWriter(udpAddr, metricsStatsdPrefix, logger))
	}
	if metricsPath != "" {
		reg, promHandler := metrics.NewRegistry()
		mws = append(mws, metrics.NewPrometheusMetricsWriter(reg, "quadcat"))
		r.Handle(metricsPath, promHandler).Methods("GET")
	}
	var mw metrics.MetricsWriter = mws
	if len(mws) == 0 {
		mw = &metrics.NilMetricsWriter{}
	}

	// set if we have s3 or dynamodb configured, and shared across all aws clients
	var awsSession *session.Session
	getAwsSession := func() *session.Session {
		if awsSession != nil {
			return awsSession
		}
		var err error
		if hc.Aws != nil && hc.Aws.Region != nil {
			awsSession, err = session.NewSessionWithOptions(session.Options{
				Config: aws.Config{Region: hc.Aws.Region},
			})
		} else {
			awsSession, err = session.NewSession()
		}
		if err != nil {
			logFatalCfgErr(logger, "Unable to set up AWS session: %s", err.Error())
		}
		return awsSession
	}

	// data service client shared by all layers
	dsOpts := []dataservice.Option{
		dataservice.WithHTTPClient(&http.Client{Timeout: hc.Lookup.Timeout()}),
	}
	if hc.Lookup.Token != nil {
		token := *hc.Lookup.Token
		dsOpts = append(dsOpts, dataservice.WithTokenProvider(func(_ context.Context) (string, error) {
			return token, nil
		}))
	}
	for k, v := range hc.Lookup.Headers {
		dsOpts = append(dsOpts, dataservice.WithHeader(k, v))
	}
	ds := dataservice.New(hc.Lookup.BaseURL, dsOpts...)
	locator := lookup.NewLocator(ds)

	sharedCache := cache.NilCache
	if hc.Cache != nil {
		switch hc.Cache.Type {
		case "redis":
			sharedCache = cache.NewRedisCache(redis.NewClient(&redis.Options{Addr: hc.Cache.Addr}), hc.Cache.TTL())
		case "memcache":
			sharedCache = cache.NewMemcacheCache(memcache.New(hc.Cache.Addr), hc.Cache.TTL())
		case "dynamodb":
			sharedCache = cache.NewDynamoDBCache(dynamodb.New(getAwsSession()), hc.Cache.Table)
		}
	}

	// keep track of the storages so we can healthcheck them
	// we only need to check unique type/healthcheck configurations
	healthCheckStorages := make(map[config.HealthCheckConfig]handler.HealthChecker)

	// create the storage implementations, one per definition
	storages := make(map[string]storage.Storage)
	for name, sd := range hc.Storage {
		var stg storage.Storage

		switch sd.Type {
		case "http":
			stg = storage.NewHTTPStorage(ds, bufferManager, storage.BlobRef{})
		case "s3":
			if sd.Healthcheck == "" {
				logger.Warning(log.LogCategory_ConfigError, "Missing healthcheck for storage s3")
			}
			stg = storage.NewS3Storage(s3.New(getAwsSession()), bufferManager, sd.Bucket, sd.KeyPattern, sd.Prefix, sd.Healthcheck)
		case "file":
			if sd.Healthcheck == "" {
				logger.Warning(log.LogCategory_ConfigError, "Missing healthcheck for storage file")
			}
			stg = storage.NewFileStorage(sd.BaseDir, sd.Healthcheck)
		}

		if sd.Healthcheck != "" {
			storageErr := stg.HealthCheck(context.Background())
			if storageErr != nil {
				logger.Warning(log.LogCategory_ConfigError, "Healthcheck failed on storage %s: %s", name, storageErr)
			}

			hcc := config.HealthCheckConfig{
				Type:        sd.Type,
				Healthcheck: sd.Healthcheck,
			}
			if _, ok := healthCheckStorages[hcc]; !ok {
				healthCheckStorages[hcc] = stg
			}
		}

		if sharedCache != cache.NilCache {
			stg = storage.NewCachedStorage(stg, sharedCache, logger)
		}
		storages[name] = stg
	}

	// create the layer clients
	clients := make(map[string]*layer.Client)
	defaults := make(map[string][]layer.RequestOption)
	for name, ld := range hc.Layer {
		catalogHRN, _ := ld.CatalogHRN()
		layerType, _ := ld.LayerType()

		var stg storage.Storage
		if ld.Storage != "" {
			stg = storages[ld.Storage]
		} else if sharedCache != cache.NilCache {
			stg = storage.NewCachedStorage(storage.NewHTTPStorage(ds, bufferManager, storage.BlobRef{}), sharedCache, logger)
		}

		client, err := layer.New(layer.Config{
			Catalog:   catalogHRN,
			Layer:     ld.Layer,
			LayerType: layerType,
			QuadTree:  ld.QuadTreeConfig(),
		}, layer.Deps{
			Service:       ds,
			Locator:       locator,
			Storage:       stg,
			BufferManager: bufferManager,
			SharedCache:   sharedCache,
			Logger:        logger,
			MetricsWriter: mw,
		})
		if err != nil {
			logFatalCfgErr(logger, "Unable to create layer %s: %s", name, err)
		}
		clients[name] = client

		if ld.Version != nil {
			defaults[name] = []layer.RequestOption{layer.WithVersion(*ld.Version)}
		}
	}

	// create the handler routes for patterns
	for reqPattern, rhc := range hc.Pattern {
		client := clients[rhc.Layer]
		var format string
		if rhc.Format != nil {
			format = *rhc.Format
		}

		var h http.Handler
		switch rhc.HandlerType() {
		case "tile":
			parser := &handler.TileMuxParser{MimeMap: hc.Mime, Format: format}
			h = handler.LayerHandler(parser, client, defaults[rhc.Layer], mw, logger)
		case "partition":
			parser := &handler.PartitionMuxParser{MimeMap: hc.Mime, Format: format}
			h = handler.LayerHandler(parser, client, defaults[rhc.Layer], mw, logger)
		case "layerinfo":
			h = handler.LayerInfoHandler(client, logger)
		}

		gzipped := gziphandler.GzipHandler(h)
		r.Handle(reqPattern, gzipped).Methods("GET")
	}

	if len(healthcheck) > 0 {
		checkers := make(map[string]handler.HealthChecker, len(healthCheckStorages))
		for hcc, stg := range healthCheckStorages {
			checkers[hcc.Type+":"+hcc.Healthcheck] = stg
		}
		hch := handler.HealthCheckHandler(checkers, logger)
		r.Handle(healthcheck, hch).Methods("GET")
	}

	if expVarsInterval > 0 {
		go func() {
			for range time.Tick(expVarsInterval) {
				logger.ExpVars()
			}
		}()
	}

	corsHandler := handlers.CORS()(log.LoggingMiddleware(logger)(r))

	logger.Info("Server started and listening on %s\n", listen)

	err = http.ListenAndServe(listen, corsHandler)
	logger.Error(log.LogCategory_ConfigError, "Server exited: %s", err)
	os.Exit(1)
}

func logFatalCfgErr(logger log.JsonLogger, msg string, xs ...interface{}) {
	logger.Error(log.LogCategory_ConfigError, msg, xs...)
	os.Exit(1)
}
