package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"MBackend/global"
	"MBackend/logger"
	"MBackend/module/backend/cleanup"
	"MBackend/module/backend/config"
	"MBackend/module/backend/delivery"
	"MBackend/module/backend/dispatch"
	"MBackend/module/backend/entity"
	"MBackend/module/backend/httpapi"
	"MBackend/module/backend/matcher"
	"MBackend/module/backend/query"
	"MBackend/module/backend/queue"
	"MBackend/module/backend/store"
	"MBackend/module/backend/subscription"
	"MBackend/service/mgo"
	"MBackend/service/natsx"
	"MBackend/service/push"
	"MBackend/service/storage/redis"
	"MBackend/tools/safe"
)

func main() {
	cfg := global.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := redis.InitRedis(redis.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}); err != nil {
		fatal("init redis", err)
	}
	defer redis.CloseRedis()

	if err := mgo.Init(ctx, mgo.Config{URI: cfg.MongoURI, Database: cfg.MongoDB}); err != nil {
		fatal("init mongo", err)
	}
	defer mgo.Close(context.Background())

	nc, err := natsx.NewClient(natsx.Config{Servers: cfg.NatsServers, Name: cfg.NatsName})
	if err != nil {
		fatal("connect nats", err)
	}
	defer nc.Close()

	deliveryQ := mustQueue(nc, cfg.DeliveryQueue, cfg.LeaseDuration)
	cleanupQ := mustQueue(nc, cfg.DeviceCleanupQueue, cfg.LeaseDuration)
	removalQ := mustQueue(nc, cfg.SubRemovalQueue, cfg.LeaseDuration)

	es := store.NewMongoStore(mgo.GetDB())
	cache := store.NewRedisCache(redis.GetRedis())

	cfgMgr := config.NewManager(es, cache)
	registry := subscription.NewRegistry(es, cache, removalQ)
	match := matcher.NewMatcher(es)
	entities := entity.NewService(es, match)
	queries := query.NewEngine(es, match, registry)

	gcm := push.NewGCMGateway(cfg.GCMSendURL, func(ctx context.Context) (string, error) {
		s, err := cfgMgr.Current(ctx)
		return s.GCMKey, err
	})
	apns := buildAPNS(cfg)

	dispatcher := dispatch.NewDispatcher(cfgMgr, registry, match, gcm, deliveryQ)
	match.SetHandler(dispatcher.Handle)

	plog := delivery.NewProcessedLog(es, cache, cfg.ProcessedCacheTTL)
	cleaner := cleanup.NewService(es, registry, match, apns, cleanupQ, cfg.FreshWindow, cfg.ProcessedRetain)

	subscribeCleanup(cleanupQ, cleaner)
	subscribeRemoval(removalQ, registry, match, cfgMgr)

	startWorkers := sync.OnceFunc(func() {
		for i := 1; i <= cfg.DeliveryWorkers; i++ {
			w := delivery.NewWorker(i, deliveryQ, apns, cleanupQ, plog, delivery.Options{
				LeaseBatch: cfg.LeaseBatch,
				IdleSleep:  cfg.IdleSleep,
				Cooldown:   cfg.SendCooldown,
			})
			safe.Go(func() { w.Run(ctx) })
		}
	})
	startWorkers()

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	api := httpapi.NewServer(entities, queries, dispatcher, cleaner, registry, match, cfgMgr, startWorkers)
	if cfg.DispatchToken == "" {
		logger.Warn("dispatch token not configured, internal endpoints will reject everything")
	}
	api.Routes(r, cfg.DispatchHeader, cfg.DispatchToken)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	safe.Go(func() {
		logger.Infof("listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal("http serve", err)
		}
	})

	<-ctx.Done()
	logger.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Errorf("http shutdown: %v", err)
	}
}

func mustQueue(nc *natsx.Client, name string, lease time.Duration) queue.Queue {
	q, err := natsx.NewDurableQueue(nc, name, natsx.QueueOptions{Lease: lease})
	if err != nil {
		fatal("declare queue "+name, err)
	}
	return q
}

// buildAPNS falls back to a disabled gateway when no signing key is
// configured, so Android-only deployments still come up.
func buildAPNS(cfg *global.AppConfig) interface {
	push.BatchGateway
	push.FeedbackSource
} {
	if cfg.APNSKeyPEM == "" {
		logger.Warn("apns signing key not configured, ios delivery disabled")
		return disabledAPNS{}
	}
	gw, err := push.NewAPNSGateway(push.APNSConfig{
		Host:    cfg.APNSHost,
		KeyID:   cfg.APNSKeyID,
		TeamID:  cfg.APNSTeamID,
		Topic:   cfg.APNSTopic,
		Timeout: cfg.APNSTimeout,
	}, []byte(cfg.APNSKeyPEM))
	if err != nil {
		fatal("apns gateway", err)
	}
	return gw
}

type disabledAPNS struct{}

func (disabledAPNS) SendBatch(context.Context, []string, push.Message) ([]push.Result, error) {
	return nil, errors.New("apns not configured")
}

func (disabledAPNS) Feedback(context.Context) ([]string, error) { return nil, nil }

func subscribeCleanup(q queue.Queue, cleaner *cleanup.Service) {
	err := q.Subscribe(func(ctx context.Context, t queue.Task) error {
		var req subscription.DeviceTask
		if err := json.Unmarshal(t.Payload, &req); err != nil {
			logger.Errorf("dropping malformed cleanup task %s: %v", t.Name, err)
			return nil
		}
		return cleaner.RemoveDevices(ctx, req.Devices)
	})
	if err != nil {
		fatal("subscribe cleanup queue", err)
	}
}

func subscribeRemoval(q queue.Queue, registry *subscription.Registry, match *matcher.Matcher, cfgMgr *config.Manager) {
	err := q.Subscribe(func(ctx context.Context, t queue.Task) error {
		var req subscription.SweepTask
		if err := json.Unmarshal(t.Payload, &req); err != nil {
			logger.Errorf("dropping malformed removal task %s: %v", t.Name, err)
			return nil
		}
		switch req.Type {
		case subscription.SweepTypeDevice:
			cutoff := time.UnixMilli(req.TimeStamp)
			return registry.Sweep(ctx, cutoff, store.ParseCursor(req.Cursor), cfgMgr.MarkDeleteAll)
		case subscription.SweepTypePSI:
			for _, subID := range req.SubIDs {
				if err := match.Unsubscribe(ctx, subID); err != nil {
					logger.Warnf("unsubscribe %s: %v", subID, err)
				}
			}
			return nil
		default:
			logger.Errorf("dropping removal task %s with unknown type %q", t.Name, req.Type)
			return nil
		}
	})
	if err != nil {
		fatal("subscribe removal queue", err)
	}
}

func fatal(what string, err error) {
	logger.Errorf("%s: %v", what, err)
	os.Exit(1)
}
