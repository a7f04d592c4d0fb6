package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	jerrors "github.com/juju/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/zhukovaskychina/xmysql-blockcache/logger"
	"github.com/zhukovaskychina/xmysql-blockcache/server/conf"
	"github.com/zhukovaskychina/xmysql-blockcache/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-blockcache/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xmysql-blockcache/server/innodb/manager"
	"github.com/zhukovaskychina/xmysql-blockcache/server/innodb/storage"
)

const help = `
******************************************************************************************
*帮助:
*1. -- help
*2. -- configPath   指定配置文件(.ini 或 .toml)
*3. -- rounds       每个分片写入的事务数
******************************************************************************************
`

type closer interface {
	basic.BlockStore
	Close() error
}

func openStore(cfg *conf.Cfg) (closer, error) {
	if cfg.StorePath != "" {
		return storage.OpenFileBlockStore(cfg.StorePath, cfg.BlockSize)
	}
	codec, err := storage.CodecByName(cfg.StoreCodec)
	if err != nil {
		return nil, err
	}
	return storage.NewMemoryBlockStore(cfg.BlockSize, codec), nil
}

func main() {
	var configPath string
	var rounds int
	var showHelp bool
	flag.StringVar(&configPath, "configPath", "", "配置文件路径")
	flag.IntVar(&rounds, "rounds", 16, "每个分片写入的事务数")
	flag.BoolVar(&showHelp, "help", false, "帮助")
	flag.Parse()
	if showHelp {
		fmt.Print(help)
		return
	}

	cfg, err := conf.NewCfg().Load(&conf.CommandLineArgs{ConfigPath: configPath})
	if err != nil {
		panic("加载配置失败: " + err.Error())
	}
	if err := logger.InitLogger(cfg.LogConfig()); err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}

	store, err := openStore(cfg)
	if err != nil {
		logger.Fatalf("open block store: %v", err)
	}
	defer store.Close()

	shards := buffer_pool.NewShardSet(store, cfg.Shards, cfg.CacheConfig())
	managers := make(map[*buffer_pool.PageCache]*manager.TransactionManager, cfg.Shards)
	for _, c := range shards.Shards() {
		managers[c] = manager.NewTransactionManager(c)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	start := time.Now()
	created, err := run(ctx, shards, managers, rounds)
	if err != nil {
		logger.Errorf("workload failed: %v", err)
	}
	if err := verify(ctx, shards, managers, created); err != nil {
		logger.Errorf("verify failed: %v", err)
	}

	for _, tm := range managers {
		if err := tm.Close(ctx); err != nil {
			logger.Errorf("close transaction manager: %v", err)
		}
	}
	stats := shards.Stats()
	if err := shards.Shutdown(ctx); err != nil {
		logger.Errorf("shutdown: %v", err)
	}

	logger.WithFields(logrus.Fields{
		"blocks":    len(created),
		"elapsed":   time.Since(start).String(),
		"hit_ratio": fmt.Sprintf("%.2f", stats.GetHitRatio()),
		"batches":   stats.FlushBatches,
		"writes":    stats.FlushWrites,
	}).Info("block cache demo finished")
}

// run 每个分片一个协程：创建一个块，然后在后续事务中反复改写它
func run(ctx context.Context, shards *buffer_pool.ShardSet, managers map[*buffer_pool.PageCache]*manager.TransactionManager, rounds int) ([]basic.BlockID, error) {
	caches := shards.Shards()
	created := make([]basic.BlockID, len(caches))
	for i := range created {
		created[i] = basic.NullBlockID
	}

	g, ctx := errgroup.WithContext(ctx)
	for i, c := range caches {
		i, tm := i, managers[c]
		g.Go(func() error {
			trx := tm.Begin()
			lock, err := manager.NewBufLockForCreate(ctx, trx)
			if err != nil {
				return jerrors.Annotatef(err, "shard %d create", i)
			}
			created[i] = lock.BlockID()
			lock.Release()
			if err := tm.Commit(ctx, trx); err != nil {
				return err
			}

			for r := 0; r < rounds; r++ {
				trx := tm.Begin()
				if err := writeBlock(ctx, trx, created[i], fmt.Sprintf("shard %d round %d", i, r)); err != nil {
					return err
				}
				if err := tm.Commit(ctx, trx); err != nil {
					return jerrors.Annotatef(err, "shard %d round %d", i, r)
				}
			}
			return nil
		})
	}
	return created, g.Wait()
}

func writeBlock(ctx context.Context, trx *manager.Transaction, id basic.BlockID, text string) error {
	lock, err := manager.NewBufLock(ctx, trx, id, basic.AccessWrite)
	if err != nil {
		return err
	}
	defer lock.Release()
	w, err := manager.NewBufWrite(ctx, lock)
	if err != nil {
		return err
	}
	defer w.Close()
	data := w.GetDataForWrite(len(w.GetData()))
	for i := range data {
		data[i] = 0
	}
	copy(data, text)
	return nil
}

// verify 用只读快照事务读回每个块
func verify(ctx context.Context, shards *buffer_pool.ShardSet, managers map[*buffer_pool.PageCache]*manager.TransactionManager, ids []basic.BlockID) error {
	for _, id := range ids {
		if id == basic.NullBlockID {
			continue
		}
		tm := managers[shards.ShardFor(id)]
		trx := tm.BeginReadOnly()
		lock, err := manager.NewBufLock(ctx, trx, id, basic.AccessRead)
		if err != nil {
			return err
		}
		r, err := manager.NewBufRead(ctx, lock)
		if err != nil {
			lock.Release()
			return err
		}
		logger.Infof("block %d: %q", id, trimZeros(r.GetData()))
		r.Close()
		lock.Release()
		if err := tm.Commit(ctx, trx); err != nil {
			return err
		}
	}
	return nil
}

func trimZeros(b []byte) string {
	n := len(b)
	for n > 0 && b[n-1] == 0 {
		n--
	}
	return string(b[:n])
}
