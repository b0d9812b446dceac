// Command s3dbengine wires every component of the plugin runtime into one
// running process: an object-store-backed resource registry, the cache/TTL/
// state-machine engines attached to a small set of demo business resources,
// the backup and cloud-inventory plugins, queue ingestion, and an operator
// HTTP surface. It is the host the plugin.Database interface describes.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"s3db.evalgo.org/backup"
	"s3db.evalgo.org/cache"
	"s3db.evalgo.org/common"
	"s3db.evalgo.org/config"
	"s3db.evalgo.org/cronsched"
	"s3db.evalgo.org/eventbus"
	"s3db.evalgo.org/httpadmin"
	"s3db.evalgo.org/inventory"
	"s3db.evalgo.org/objectstore"
	"s3db.evalgo.org/pluginstore"
	"s3db.evalgo.org/queueconsumer"
	"s3db.evalgo.org/resource"
	"s3db.evalgo.org/statemachine"
	"s3db.evalgo.org/ttl"
)

func main() {
	_ = godotenv.Load()

	logCfg := config.LoadLoggingConfig()
	level, err := logrus.ParseLevel(logCfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	common.Configure(level, logCfg.JSON)
	log := common.ForEngine("s3dbengine")

	ctx := context.Background()

	store, err := buildObjectStore(ctx)
	if err != nil {
		log.WithError(err).Fatal("engine: build object store")
	}

	bus := eventbus.New(false)
	sched := cronsched.New()
	db := newEngineDatabase(store, bus, sched, log)

	if redisURL := os.Getenv("S3DB_LOCK_REDIS_URL"); redisURL != "" {
		accel, err := pluginstore.NewRedisAccelerator(ctx, redisURL)
		if err != nil {
			log.WithError(err).Warn("engine: lock accelerator unavailable, locks use the object store only")
		} else {
			db.accel = accel
			defer accel.Close()
		}
	}

	if natsURL := os.Getenv("S3DB_NATS_URL"); natsURL != "" {
		bridge, err := eventbus.NewNATSBridge(natsURL, "s3db.events", bus)
		if err != nil {
			log.WithError(err).Warn("engine: nats bridge unavailable, events stay in-process")
		} else {
			forward := func(ev eventbus.Event) {
				if err := bridge.Forward(ev); err != nil {
					log.WithError(err).Debug("engine: nats forward failed")
				}
			}
			bus.SubscribePrefix("plg:", forward)
			bus.SubscribePrefix("db:", forward)
			defer bridge.Close()
		}
	}

	orders, err := db.CreateResource(resource.Schema{
		Name:       "orders",
		Attributes: []string{"customerId", "status", "total", "createdAt", "updatedAt"},
		Partitions: []resource.PartitionDef{{Name: "byCustomer", Fields: []string{"customerId"}}},
		Timestamps: true,
		CreatedBy:  "user",
	})
	if err != nil {
		log.WithError(err).Fatal("engine: create orders resource")
	}
	customers, err := db.CreateResource(resource.Schema{
		Name:       "customers",
		Attributes: []string{"name", "email", "createdAt"},
		Timestamps: true,
		CreatedBy:  "user",
	})
	if err != nil {
		log.WithError(err).Fatal("engine: create customers resource")
	}

	ttlResources := map[string]*ttl.ResourceConfig{
		"orders": {
			Resource: orders,
			TTL:      int((90 * 24 * time.Hour).Seconds()),
			OnExpire: ttl.StrategySoftDelete,
		},
	}

	if path := os.Getenv("S3DB_RESOURCES_FILE"); path != "" {
		declared, err := config.LoadResourcesFile(path)
		if err != nil {
			log.WithError(err).Fatal("engine: load resources file")
		}
		for _, def := range declared.Resources {
			partitions := make([]resource.PartitionDef, 0, len(def.Partitions))
			for _, p := range def.Partitions {
				partitions = append(partitions, resource.PartitionDef{Name: p.Name, Fields: p.Fields})
			}
			res, err := db.CreateResource(resource.Schema{
				Name:       def.Name,
				Attributes: def.Attributes,
				Partitions: partitions,
				Timestamps: def.Timestamps,
				CreatedBy:  "user",
			})
			if err != nil {
				log.WithError(err).WithField("resource", def.Name).Fatal("engine: create declared resource")
			}
			if def.TTL == nil {
				continue
			}
			rule := &ttl.ResourceConfig{
				Resource:       res,
				TTL:            def.TTL.Seconds,
				Field:          def.TTL.Field,
				OnExpire:       ttl.Strategy(def.TTL.OnExpire),
				KeepOriginalID: def.TTL.KeepOriginalID,
			}
			if def.TTL.ArchiveResource != "" {
				archive, err := db.CreateResource(resource.Schema{
					Name:      def.TTL.ArchiveResource,
					CreatedBy: "user",
				})
				if err != nil {
					log.WithError(err).WithField("resource", def.TTL.ArchiveResource).Fatal("engine: create archive resource")
				}
				rule.ArchiveResource = archive
			}
			ttlResources[def.Name] = rule
		}
	}

	cacheCfg := config.LoadCacheConfig()
	if err := cacheCfg.Validate(); err != nil {
		log.WithError(err).Fatal("engine: invalid cache configuration")
	}
	cacheDriver, err := buildCacheDriver(ctx, cacheCfg, store)
	if err != nil {
		log.WithError(err).Fatal("engine: build cache driver")
	}
	cacheEngine := cache.New(cache.Config{
		Driver:               cacheDriver,
		Bus:                  bus,
		Slug:                 "cache",
		RetryAttempts:        cacheCfg.RetryAttempts,
		RetryDelay:           cacheCfg.RetryDelay,
		CompressionThreshold: cacheCfg.CompressionThreshold,
		IncludePartitions:    cacheCfg.IncludePartitions,
		Log:                  common.ForEngine("cache"),
	})
	for _, r := range db.All() {
		if err := cacheEngine.InstallOnResource(r, cache.Filter{}); err != nil {
			log.WithError(err).WithField("resource", r.Name()).Error("engine: attach cache engine")
		}
	}

	ttlCfg := config.LoadTTLConfig()
	ttlPlugin := ttl.New(ttl.Config{
		Resources:         ttlResources,
		IndexResourceName: ttlCfg.IndexResourceName,
	})
	if err := ttlPlugin.Install(ctx, db); err != nil {
		log.WithError(err).Fatal("engine: install ttl plugin")
	}
	if err := ttlPlugin.Start(ctx); err != nil {
		log.WithError(err).Fatal("engine: start ttl plugin")
	}

	smCfg := config.LoadStateMachineConfig()
	smPlugin := statemachine.New(statemachine.Config{
		Machines: map[string]*statemachine.Machine{
			"order-fulfillment": orderFulfillmentMachine(orders),
		},
		StateResourceName: smCfg.StatesResource,
		TransitionLogName: smCfg.LogResource,
		DefaultRetry: statemachine.RetryPolicy{
			MaxAttempts: 3,
			Backoff:     statemachine.BackoffExponential,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    smCfg.MaxRetryDelay,
		},
	})
	if err := smPlugin.Install(ctx, db); err != nil {
		log.WithError(err).Fatal("engine: install state machine plugin")
	}
	if err := smPlugin.Start(ctx); err != nil {
		log.WithError(err).Fatal("engine: start state machine plugin")
	}

	backupPlugin := backup.New(backup.Config{
		Resources: map[string]*backup.ResourceConfig{
			"orders": {
				Source:    orders,
				Strategy:  backup.StrategyIncremental,
				Retention: backup.Retention{MaxGenerations: 30, MaxAge: 180 * 24 * time.Hour},
				CronExpr:  "0 0 3 * * *",
			},
		},
		Store: backup.ObjectStoreSink{Store: store},
	})
	if err := backupPlugin.Install(ctx, db); err != nil {
		log.WithError(err).Fatal("engine: install backup plugin")
	}
	if err := backupPlugin.Start(ctx); err != nil {
		log.WithError(err).Fatal("engine: start backup plugin")
	}

	inventoryPlugin := inventory.New(inventory.Config{
		Clouds: map[string]*inventory.CloudConfig{
			"demo": {
				Name:     "demo",
				Source:   &staticCloudSource{items: []inventory.CloudResourceItem{{ID: "i-1", Kind: "instance"}}},
				CronExpr: "0 */15 * * * *",
			},
		},
	})
	if err := inventoryPlugin.Install(ctx, db); err != nil {
		log.WithError(err).Fatal("engine: install inventory plugin")
	}
	if err := inventoryPlugin.Start(ctx); err != nil {
		log.WithError(err).Fatal("engine: start inventory plugin")
	}

	consumerMgr := buildQueueConsumers(customers, log)
	if consumerMgr != nil {
		if err := consumerMgr.StartAll(ctx); err != nil {
			log.WithError(err).Error("engine: start queue consumers")
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	admin := httpadmin.NewServer("s3dbengine", []httpadmin.PluginSummary{
		{Slug: ttlPlugin.Slug, Namespace: ttlPlugin.Namespace},
		{Slug: smPlugin.Slug, Namespace: smPlugin.Namespace},
		{Slug: backupPlugin.Slug, Namespace: backupPlugin.Namespace},
		{Slug: inventoryPlugin.Slug, Namespace: inventoryPlugin.Namespace},
	}, ttlPlugin, smPlugin)

	group := e.Group("/admin")
	if secret := os.Getenv("S3DB_ADMIN_JWT_SECRET"); secret != "" {
		tokens := httpadmin.NewTokenService([]byte(secret), 0)
		e.POST("/auth/token", tokens.TokenHandler(secret))
		group.Use(httpadmin.RequireJWT([]byte(secret)))
	}
	admin.RegisterRoutes(group)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	go func() {
		if err := e.Start(":" + port); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("engine: http server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("engine: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("engine: http server shutdown")
	}
	if consumerMgr != nil {
		if err := consumerMgr.StopAll(); err != nil {
			log.WithError(err).Error("engine: stop queue consumers")
		}
	}
	_ = ttlPlugin.Stop(shutdownCtx)
	_ = smPlugin.Stop(shutdownCtx)
	_ = backupPlugin.Stop(shutdownCtx)
	_ = inventoryPlugin.Stop(shutdownCtx)

	log.Info("engine: stopped")
}

// buildQueueConsumers wires an AMQP and/or Redis consumer into customers
// when their respective URL env vars are set; returns nil if neither is
// configured.
func buildQueueConsumers(target resource.Resource, log *logrus.Entry) *queueconsumer.Manager {
	var consumers []queueconsumer.Consumer

	if url := os.Getenv("S3DB_AMQP_URL"); url != "" {
		consumers = append(consumers, queueconsumer.NewAMQPConsumer(queueconsumer.AMQPConsumerConfig{
			URL:         url,
			QueueName:   os.Getenv("S3DB_AMQP_QUEUE"),
			ConsumerTag: "s3dbengine",
		}, target, log.WithField("consumer", "amqp")))
	}
	if url := os.Getenv("S3DB_REDIS_QUEUE_URL"); url != "" {
		consumers = append(consumers, queueconsumer.NewRedisConsumer(queueconsumer.RedisConsumerConfig{
			RedisURL:    url,
			QueueName:   os.Getenv("S3DB_REDIS_QUEUE_NAME"),
			PollTimeout: 5 * time.Second,
		}, target, log.WithField("consumer", "redis")))
	}
	if len(consumers) == 0 {
		return nil
	}
	return queueconsumer.NewManager(len(consumers), consumers...)
}

func buildObjectStore(ctx context.Context) (objectstore.Store, error) {
	osCfg := config.LoadObjectStoreConfig()
	if osCfg.Bucket == "" {
		return objectstore.NewMemStore(), nil
	}
	return objectstore.NewS3Store(ctx, objectstore.S3Config{
		Bucket:          osCfg.Bucket,
		Region:          osCfg.Region,
		Endpoint:        osCfg.Endpoint,
		AccessKeyID:     osCfg.AccessKeyID,
		SecretAccessKey: osCfg.SecretAccessKey,
		ForcePathStyle:  osCfg.ForcePathStyle,
	})
}

// orderFulfillmentMachine models an order's lifecycle: pending -> shipped ->
// delivered, with a cancel path open until shipment.
func orderFulfillmentMachine(orders resource.Resource) *statemachine.Machine {
	return &statemachine.Machine{
		Name:         "order-fulfillment",
		InitialState: "pending",
		Resource:     orders,
		StateField:   "status",
		States: map[string]*statemachine.State{
			"pending": {
				On: map[string]string{"ship": "shipped", "cancel": "cancelled"},
			},
			"shipped": {
				On: map[string]string{"deliver": "delivered"},
			},
			"delivered": {Final: true},
			"cancelled": {Final: true},
		},
	}
}
