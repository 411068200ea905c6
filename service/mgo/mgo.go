package mgo

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

type Config struct {
	URI      string
	Database string
}

type MongoManager struct {
	client *mongo.Client
	db     *mongo.Database
}

var (
	mu        sync.RWMutex
	globalMgr *MongoManager
)

// Init connects and pings; call once at process start.
func Init(ctx context.Context, cfg Config) error {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cli, err := mongo.Connect(cctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return errors.Wrap(err, "mongo connect")
	}
	if err := cli.Ping(cctx, readpref.Primary()); err != nil {
		return errors.Wrap(err, "mongo ping")
	}

	mu.Lock()
	globalMgr = &MongoManager{client: cli, db: cli.Database(cfg.Database)}
	mu.Unlock()
	return nil
}

// GetDB returns the shared database handle.
func GetDB() *mongo.Database {
	mu.RLock()
	defer mu.RUnlock()
	if globalMgr == nil {
		panic("mongo not initialized, call mgo.Init first")
	}
	return globalMgr.db
}

func Close(ctx context.Context) error {
	mu.Lock()
	defer mu.Unlock()
	if globalMgr == nil {
		return nil
	}
	err := globalMgr.client.Disconnect(ctx)
	globalMgr = nil
	return err
}
