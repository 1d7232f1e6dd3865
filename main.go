package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"IMCore/global"
	"IMCore/logger"
	"IMCore/module/chat/message"
	"IMCore/module/message/msgflow"
	"IMCore/service/chat"
	"IMCore/service/chat/handlers"
	"IMCore/service/delivery"
	"IMCore/service/fanout"
	"IMCore/service/indexfeed"
	"IMCore/service/mgo"
	"IMCore/service/natsx"
	"IMCore/service/presence"
	"IMCore/service/storage"
	redisstore "IMCore/service/storage/redis"
	"IMCore/tools/ids"
	"IMCore/tools/security"
)

func main() {
	var confPath string
	flag.StringVar(&confPath, "conf", "", "path to yaml config")
	flag.Parse()

	cfg, err := global.Load(confPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ids.SetNodeID(cfg.NodeID)
	gwID := fmt.Sprintf("gw-%d", cfg.NodeID)

	ctx := context.Background()

	// ---- Redis ----
	if err := redisstore.InitRedis(redisstore.Config{
		Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB,
	}); err != nil {
		logger.Errorf("init redis: %v", err)
		os.Exit(1)
	}
	defer func() { _ = redisstore.CloseRedis() }()
	rdb := redisstore.GetRedis()

	// ---- Mongo（时间线、会话、已读位点） ----
	db, err := mgo.Connect(ctx, mgo.Config{
		URI: cfg.Mongo.URI, Database: cfg.Mongo.Database,
		Username: cfg.Mongo.Username, Password: cfg.Mongo.Password,
	})
	if err != nil {
		logger.Errorf("connect mongo: %v", err)
		os.Exit(1)
	}
	store := message.NewStore(db)
	if err := store.EnsureIndexes(ctx); err != nil {
		logger.Errorf("ensure indexes: %v", err)
		os.Exit(1)
	}

	// ---- 存储原语 ----
	offline := storage.NewRedisOffline(rdb)
	inbox := storage.NewRedisInbox(rdb)
	receipts := storage.NewRedisReceipts(rdb)
	presenceStore := storage.NewRedisPresence(rdb)

	// ---- NATS 事件总线 ----
	nc, err := natsx.NewClient(natsx.Config{Servers: cfg.Nats.Servers, Name: cfg.Nats.Name})
	if err != nil {
		logger.Errorf("connect nats: %v", err)
		os.Exit(1)
	}
	defer func() { _ = nc.Close() }()
	if err := natsx.RegisterDefaultRoutes(nc, gwID); err != nil {
		logger.Errorf("register nats routes: %v", err)
		os.Exit(1)
	}
	bus := natsx.NewEventBus(nc, gwID)

	// ---- Presence ----
	tracker := presence.NewTracker(presenceStore, bus, presence.Config{
		GatewayID: gwID,
		TTL:       cfg.Presence.TTL,
		Grace:     cfg.Gateway.GracePeriod,
	})

	// ---- 连接注册表 ----
	connMgr := chat.NewConnManager(gwID, chat.ManagerConf{
		UnauthTTL:     cfg.Gateway.UnauthTTL,
		AuthTTL:       cfg.Presence.TTL,
		MaxPerUser:    cfg.Gateway.MaxPerUser,
		SendQueueSize: cfg.Gateway.SendQueueSize,
	})
	defer connMgr.Close()

	// ---- 投递与扇出 ----
	dm := delivery.NewManager(connMgr, receipts, offline, delivery.Config{
		AckTimeout:  cfg.Delivery.AckTimeout,
		BackoffBase: cfg.Delivery.BackoffBase,
		BackoffCap:  cfg.Delivery.BackoffCap,
		MaxAttempts: cfg.Delivery.MaxAttempts,
	})
	defer dm.Close()

	engine := fanout.NewEngine(tracker, dm, inbox, offline, fanout.Config{
		PushThreshold: cfg.Fanout.PushThreshold,
		Workers:       cfg.Fanout.Workers,
		QueueSize:     cfg.Fanout.QueueSize,
		InboxCap:      cfg.Fanout.InboxCap,
	}).WithRemote(gwID, tracker, bus)
	engine.Start()
	defer engine.Stop()

	// 提交事件走队列组：集群内每条只扇出一次，幂等中间件挡重投
	commitConsumer := natsx.NewConsumer(nc, natsx.IdemMiddleware(natsx.NewRedisIdem(rdb, time.Hour), time.Hour))
	if err := natsx.SubscribeCommits(commitConsumer, engine); err != nil {
		logger.Errorf("subscribe commits: %v", err)
		os.Exit(1)
	}

	// 广播/点对点事件不走幂等（redis 去重会让集群里只有一个实例收到）
	evtConsumer := natsx.NewConsumer(nc)
	if err := natsx.SubscribeDeliver(evtConsumer, func(ev natsx.DeliverEvent) {
		dctx, cancelFn := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancelFn()
		dm.Dispatch(dctx, ev.Item, ev.Recipient, ev.Payload)
	}); err != nil {
		logger.Errorf("subscribe deliver: %v", err)
		os.Exit(1)
	}
	// 状态翻转统一经总线回流（含本实例）：推给本人各端和直聊对端
	if err := natsx.SubscribePresence(evtConsumer, func(ev natsx.PresenceEvent) {
		pctx, cancelFn := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancelFn()
		chat.FanPresence(pctx, connMgr, store, ev.UserID, ev.Status)
	}); err != nil {
		logger.Errorf("subscribe presence: %v", err)
		os.Exit(1)
	}
	if err := natsx.SubscribeReadSync(evtConsumer, func(ev natsx.ReadSyncEvent) {
		if ev.GatewayID == gwID {
			return
		}
		connMgr.Push(ev.UserID, chat.BuildReadReceipt(ev.ConvID, ev.UserID, ev.ReadSeq))
	}); err != nil {
		logger.Errorf("subscribe read sync: %v", err)
		os.Exit(1)
	}

	// ---- message_indexed 通知（搜索/审计侧消费） ----
	feed, err := indexfeed.NewFeed(indexfeed.Config{
		Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.IndexTopic,
	})
	if err != nil {
		// Kafka 不在关键路径上：没有 broker 时只丢通知
		logger.Warnf("index feed disabled: %v", err)
		feed = nil
	} else {
		defer func() { _ = feed.Close() }()
	}

	// ---- 路由器 ----
	var indexer msgflow.IndexNotifier
	if feed != nil {
		indexer = feed
	}
	router := msgflow.NewRouter(
		store,
		msgflow.NewRedisSeq(rdb, store),
		msgflow.NewRedisTokenIndex(rdb, cfg.Router.DedupTTL),
		msgflow.SnowGen{},
		bus,
		indexer,
		msgflow.RouterConfig{
			SubmitTimeout:  cfg.Router.SubmitTimeout,
			MaxGroupMember: cfg.Router.MaxGroupMember,
			RatePerSecond:  cfg.Router.RatePerSecond,
			RateBurst:      cfg.Router.RateBurst,
		},
	)

	// ---- 网关 ----
	srv := chat.NewServer(chat.ServerConf{
		Addr:              cfg.Gateway.Addr,
		HeartbeatInterval: cfg.Gateway.HeartbeatInterval,
		AwayAfter:         cfg.Presence.Away,
		MaxPerUser:        cfg.Gateway.MaxPerUser,
		AllowedOrigins:    cfg.Gateway.AllowedOrigins,
		JWT:               security.DefaultOptions([]byte(cfg.JWTSecret)),
	}, chat.ServerDeps{
		ConnMgr:  connMgr,
		Router:   router,
		Tracker:  tracker,
		Delivery: dm,
		Cursors:  store,
		Offline:  offline,
		Inbox:    inbox,
		ReadSync: bus,
		// Attach 留空：媒体服务客户端在部署侧接入，缺省不挂附件路由
	})
	handlers.RegisterAll(srv, cfg.Presence.Typing)

	if err := srv.Run(); err != nil {
		logger.Errorf("gateway exited: %v", err)
		os.Exit(1)
	}
}
