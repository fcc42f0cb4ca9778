// Copyright 2018 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/profiler"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/GoogleCloudPlatform/microservices-demo/src/storefrontservice/cart"
	"github.com/GoogleCloudPlatform/microservices-demo/src/storefrontservice/catalog"
	"github.com/GoogleCloudPlatform/microservices-demo/src/storefrontservice/events"
	"github.com/GoogleCloudPlatform/microservices-demo/src/storefrontservice/repository"
)

const (
	serviceName    = "storefrontservice"
	serviceVersion = "1.0.0"

	defaultPort     = "8080"
	defaultGRPCPort = "3550"
	defaultMySQL    = "root:root_password@tcp(127.0.0.1:3307)/storefront_db?parseTime=true"
)

var log *logrus.Logger

func init() {
	log = logrus.New()
	log.Level = logrus.DebugLevel
	log.Formatter = &logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "severity",
			logrus.FieldKeyMsg:   "message",
		},
		TimestampFormat: time.RFC3339Nano,
	}
	log.Out = os.Stdout
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if os.Getenv("ENV") != "production" {
		if err := godotenv.Load(); err != nil {
			log.Debugf(".env not loaded, using process environment: %v", err)
		} else {
			log.Info("loaded environment from .env")
		}
	}

	if os.Getenv("ENABLE_TRACING") == "1" {
		tp, err := initTracing(ctx)
		if err != nil {
			log.Warnf("warn: failed to start tracer: %+v", err)
		} else {
			defer func() {
				if err := tp.Shutdown(context.Background()); err != nil {
					log.Errorf("Error shutting down tracer provider: %v", err)
				}
			}()
		}

		mp, err := initMetrics(ctx)
		if err != nil {
			log.Warnf("warn: failed to start metric provider: %+v", err)
		} else {
			defer func() {
				if err := mp.Shutdown(context.Background()); err != nil {
					log.Errorf("Error shutting down metric provider: %v", err)
				}
			}()
		}
	} else {
		log.Info("Tracing disabled.")
	}

	if os.Getenv("DISABLE_PROFILER") == "" {
		log.Info("Profiling enabled.")
		go initProfiling(serviceName, serviceVersion)
	} else {
		log.Info("Profiling disabled.")
	}

	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{}, propagation.Baggage{}))

	deps, err := initDependencies(ctx)
	if err != nil {
		log.Fatal(err)
	}
	defer deps.close()

	srv := newStorefrontServer(deps.catalog, deps.carts, deps.slot, log)
	srv.adminUser = os.Getenv("ADMIN_USERNAME")
	srv.adminPassword = os.Getenv("ADMIN_PASSWORD")
	if srv.adminUser == "" || srv.adminPassword == "" {
		log.Warn("ADMIN_USERNAME or ADMIN_PASSWORD not set, admin routes are disabled")
	}

	var limiter *Limiter
	if os.Getenv("ENABLE_RATE_LIMIT") == "1" {
		if deps.rdb != nil {
			limiter = NewLimiter(deps.rdb, log)
		} else {
			log.Warn("ENABLE_RATE_LIMIT set but redis is not configured, rate limiter disabled")
		}
	}

	httpSrv := &http.Server{
		Addr:              ":" + getEnv("PORT", defaultPort),
		Handler:           srv.routes(limiter, NewServerMetrics(serviceName)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcSrv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hsrv := health.NewServer()
	hsrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcSrv, hsrv)
	reflection.Register(grpcSrv)

	grpcAddr := ":" + getEnv("GRPC_PORT", defaultGRPCPort)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		log.Fatal(errors.Wrapf(err, "failed to listen on %s", grpcAddr))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("starting http server at %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "http server failed")
		}
		return nil
	})
	g.Go(func() error {
		log.Infof("starting grpc health server at %s", grpcAddr)
		if err := grpcSrv.Serve(lis); err != nil {
			return errors.Wrap(err, "grpc server failed")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Gracefully shutting down...")
		hsrv.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		grpcSrv.GracefulStop()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Errorf("server stopped: %+v", err)
	}
}

type dependencies struct {
	slot    repository.Slot
	rdb     *redis.Client
	catalog *catalog.Store
	carts   *cart.Registry
	closers []func()
}

func (d *dependencies) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func initDependencies(ctx context.Context) (*dependencies, error) {
	deps := &dependencies{}

	backend := getEnv("SLOT_BACKEND", "sqlite")
	if backend == "redis" || backend == "cached" || os.Getenv("ENABLE_EVENT_STREAM") == "1" || os.Getenv("ENABLE_RATE_LIMIT") == "1" {
		rdb, err := repository.NewRedisClient(ctx, repository.RedisConfigFromEnv(), log)
		if err != nil {
			log.Warnf("redis unavailable, continuing without it: %v", err)
		} else {
			deps.rdb = rdb
			deps.closers = append(deps.closers, func() { rdb.Close() })
		}
	}

	slot, err := initSlot(backend, deps)
	if err != nil {
		log.WithError(err).Warnf("failed to initialize %s slot backend, state will not survive restarts", backend)
		slot = repository.NewMemorySlot()
	}
	deps.slot = slot

	var pub events.Publisher = events.Nop{}
	if deps.rdb != nil && os.Getenv("ENABLE_EVENT_STREAM") == "1" {
		log.Infof("publishing store events to %s", events.StreamKey)
		pub = events.NewStreamPublisher(deps.rdb, log)
	}

	timeout := getEnvDuration("SLOT_TIMEOUT", 500*time.Millisecond)

	builtin, err := loadBuiltin()
	if err != nil {
		deps.close()
		return nil, err
	}
	deps.catalog = catalog.New(builtin, slot,
		catalog.WithLogger(log.WithField("store", "catalog")),
		catalog.WithPublisher(pub),
		catalog.WithSlotTimeout(timeout),
	)
	deps.carts = cart.NewRegistry(slot, getEnvInt("CART_SESSION_LIMIT", cart.DefaultSessionLimit),
		cart.WithLogger(log.WithField("store", "cart")),
		cart.WithPublisher(pub),
		cart.WithSlotTimeout(timeout),
	)
	return deps, nil
}

func initSlot(backend string, deps *dependencies) (repository.Slot, error) {
	log.Infof("using %s slot backend", backend)
	switch backend {
	case "memory":
		return repository.NewMemorySlot(), nil
	case "sqlite":
		s, err := repository.NewSQLiteSlot(getEnv("SQLITE_PATH", "data/storefront.db"))
		if err != nil {
			return nil, err
		}
		deps.closers = append(deps.closers, func() { s.Close() })
		return s, nil
	case "redis":
		if deps.rdb == nil {
			return nil, repository.ErrUnavailable
		}
		return repository.NewRedisSlot(deps.rdb, log), nil
	case "mysql", "cached":
		db, err := repository.OpenMySQL(getEnv("MYSQL_ADDR", defaultMySQL))
		if err != nil {
			return nil, err
		}
		log.Info("connected to mysql")
		s, err := repository.NewMySQLSlot(db)
		if err != nil {
			return nil, err
		}
		if backend == "mysql" {
			return s, nil
		}
		if deps.rdb == nil {
			log.Warn("redis unavailable, serving mysql slots without cache")
			return s, nil
		}
		return repository.NewCachedSlot(s, deps.rdb, log), nil
	}
	return nil, fmt.Errorf("unknown SLOT_BACKEND %q", backend)
}

func loadBuiltin() (*catalog.Builtin, error) {
	path := os.Getenv("CATALOG_FILE")
	if path == "" {
		return catalog.LoadBuiltin()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	b, err := catalog.ParseBuiltin(data)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load %s", path)
	}
	log.Infof("loaded %d built-in products from %s", b.Len(), path)
	return b, nil
}

func initTracing(ctx context.Context) (*sdktrace.TracerProvider, error) {
	var (
		collectorAddr string
		collectorConn *grpc.ClientConn
	)

	mustMapEnv(&collectorAddr, "COLLECTOR_SERVICE_ADDR")
	mustConnGRPC(ctx, &collectorConn, collectorAddr)

	exporter, err := otlptracegrpc.New(
		ctx,
		otlptracegrpc.WithGRPCConn(collectorConn))
	if err != nil {
		log.Warnf("warn: Failed to create trace exporter: %v", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(0.1))),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

func initMetrics(ctx context.Context) (*sdkmetric.MeterProvider, error) {
	var collectorAddr string
	mustMapEnv(&collectorAddr, "COLLECTOR_SERVICE_ADDR")

	exporter, err := otlpmetricgrpc.New(
		ctx,
		otlpmetricgrpc.WithInsecure(),
		otlpmetricgrpc.WithEndpoint(collectorAddr),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create metric exporter")
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		log.Warnf("warn: Failed to create resource: %v", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	return mp, nil
}

func initProfiling(service, version string) {
	for i := 1; i <= 3; i++ {
		if err := profiler.Start(profiler.Config{
			Service:        service,
			ServiceVersion: version,
			// ProjectID must be set if not running on GCP.
			// ProjectID: "my-project",
		}); err != nil {
			log.Warnf("failed to start profiler: %+v", err)
		} else {
			log.Info("started Stackdriver profiler")
			return
		}
		d := time.Second * 10 * time.Duration(i)
		log.Infof("sleeping %v to retry initializing Stackdriver profiler", d)
		time.Sleep(d)
	}
	log.Warn("could not initialize Stackdriver profiler after retrying, giving up")
}

func mustMapEnv(target *string, envKey string) {
	v := os.Getenv(envKey)
	if v == "" {
		panic(fmt.Sprintf("environment variable %q not set", envKey))
	}
	*target = v
}

func mustConnGRPC(ctx context.Context, conn **grpc.ClientConn, addr string) {
	var err error
	ctx, cancel := context.WithTimeout(ctx, time.Second*3)
	defer cancel()
	*conn, err = grpc.DialContext(ctx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()))
	if err != nil {
		panic(errors.Wrapf(err, "grpc: failed to connect %s", addr))
	}
}
