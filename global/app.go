package global

import (
	"context"
	"net"
	"strconv"

	"deskchat/config"
	"deskchat/logger"
	midsec "deskchat/middleware/security"
	"deskchat/module/chat/aifilter"
	"deskchat/module/chat/seq"
	"deskchat/module/chat/service"
	"deskchat/module/chat/store"
	"deskchat/module/member"
	"deskchat/service/chat"
	"deskchat/service/kafka"
	"deskchat/service/mgo"
	"deskchat/service/nacos"
	"deskchat/service/natsx"
	"deskchat/service/storage"
	"deskchat/service/storage/redis"
	"deskchat/tools/ids"
	"deskchat/tools/security"

	"go.uber.org/zap"
)

// App 持有进程内所有组件，Close 逆序释放
type App struct {
	Conf     *config.Config
	Store    store.Store
	Engine   *service.Engine
	Rooms    *service.RoomDirectory
	Gateway  *chat.Gateway
	Auth     *midsec.Options
	Relay    *natsx.RoomRelay
	Presence *storage.Presence // 未开启时为 nil

	closers []func()
}

func (a *App) onClose(f func()) { a.closers = append(a.closers, f) }

// Close 幂等
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Build 按配置装配存储、分配器、成员目录、AI 网关、引擎、WS 网关、NATS 中继与 Kafka 事件
func Build(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	app := &App{Conf: cfg}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	ids.SetNodeID(cfg.Server.NodeID)

	if app.Store, err = buildStore(ctx, app); err != nil {
		return nil, err
	}
	alloc, err := buildAllocator(ctx, app)
	if err != nil {
		return nil, err
	}
	members, err := buildMembers(ctx, app)
	if err != nil {
		return nil, err
	}

	opts := []service.Option{
		service.WithFilter(aifilter.New(aifilter.Config{
			Enabled:        cfg.AI.Enabled,
			BaseURL:        cfg.AI.BaseURL,
			Model:          cfg.AI.Model,
			APIKey:         cfg.AI.APIKey,
			Timeout:        cfg.AI.Timeout,
			ConnectTimeout: cfg.AI.ConnectTimeout,
		})),
		service.WithIDGenerator(ids.NewGenerator(cfg.Server.NodeID)),
		service.WithMaxAppendRetries(cfg.Chat.MaxAppendRetries),
	}
	if cfg.Kafka.Enabled {
		prod, err := kafka.NewEventProducer(kafka.Config{
			Brokers:             cfg.Kafka.Brokers,
			Topic:               cfg.Kafka.Topic,
			PartitionsPerTopic:  cfg.Kafka.PartitionsPerTopic,
			ReplicationFactor:   cfg.Kafka.ReplicationFactor,
			ProducerRetries:     cfg.Kafka.Retries,
			ProducerCompression: cfg.Kafka.Compression,
			Version:             cfg.Kafka.Version,
			EnsureTopic:         cfg.Kafka.EnsureTopic,
		})
		if err != nil {
			return nil, err
		}
		app.onClose(func() { _ = prod.Close() })
		opts = append(opts, service.WithEvents(prod))
		logger.Info("[Kafka] event producer ready", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	app.Engine = service.NewEngine(app.Store, alloc, members, opts...)
	app.Rooms = service.NewRoomDirectory(app.Engine)

	verifier := security.NewVerifier(security.Options{
		Secret: []byte(cfg.JWT.Secret),
		Alg:    cfg.JWT.Alg,
		TTL:    cfg.JWT.TTL,
		Issuer: cfg.JWT.Issuer,
	})
	app.Auth = &midsec.Options{
		HeaderToken:               cfg.JWT.HeaderToken,
		EnableAuthorizationBearer: cfg.JWT.AllowBearer,
		Resolver:                  verifier,
	}

	app.Gateway = chat.NewGateway(chat.Conf{
		WriteWait:      cfg.WS.WriteWait,
		PongWait:       cfg.WS.PongWait,
		ConnectTimeout: cfg.WS.ConnectTimeout,
		MaxMessageSize: cfg.WS.MaxMessageSize,
		SendQueue:      cfg.WS.SendQueue,
		PendingSends:   cfg.WS.PendingSends,
		FanoutWorkers:  cfg.WS.FanoutWorkers,
		FanoutQueue:    cfg.WS.FanoutQueue,
	}, app.Engine, app.Auth)
	app.onClose(app.Gateway.Close)
	app.Engine.SetBroadcaster(app.Gateway)

	if cfg.Presence.Enabled {
		rdb, err := redis.InitRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		app.onClose(func() { _ = redis.CloseRedis() })
		app.Presence = storage.NewPresence(rdb, cfg.Presence.TTL)
		app.Gateway.SetPresence(app.Presence)
	}
	if cfg.Nats.Enabled {
		if err := buildRelay(app); err != nil {
			return nil, err
		}
	}
	if cfg.Nacos.Enabled {
		if err := register(app); err != nil {
			return nil, err
		}
	}
	logger.Info("[App] built",
		zap.String("store", cfg.Store.Driver),
		zap.String("seq", cfg.Seq.Driver),
		zap.String("member", cfg.Member.Driver),
		zap.Bool("ai", cfg.AI.Enabled),
		zap.Bool("nats", cfg.Nats.Enabled),
		zap.Bool("kafka", cfg.Kafka.Enabled),
		zap.String("nodeId", app.Gateway.NodeID()))
	return app, nil
}

func buildStore(ctx context.Context, app *App) (store.Store, error) {
	cfg := app.Conf
	if cfg.Store.Driver != config.DriverPostgres {
		return store.NewMemory(), nil
	}
	pg, err := store.OpenPostgres(ctx, store.PostgresConfig{
		DSN:            cfg.Postgres.DSN,
		MaxConns:       cfg.Postgres.MaxConns,
		ConnectTimeout: cfg.Postgres.ConnectTimeout,
	})
	if err != nil {
		return nil, err
	}
	app.onClose(pg.Close)
	if cfg.Postgres.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
	}
	return pg, nil
}

func buildAllocator(ctx context.Context, app *App) (seq.Allocator, error) {
	cfg := app.Conf
	if cfg.Seq.Driver != config.DriverRedis {
		return seq.NewStoreAllocator(app.Store), nil
	}
	rdb, err := redis.InitRedis(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	app.onClose(func() { _ = redis.CloseRedis() })
	alloc := seq.NewRedisAllocator(rdb, app.Store)
	if cfg.Seq.TTL > 0 {
		alloc.TTL = cfg.Seq.TTL
	}
	return alloc, nil
}

func buildMembers(ctx context.Context, app *App) (member.Directory, error) {
	cfg := app.Conf
	if cfg.Member.Driver != config.DriverMongo {
		seed := make([]member.Member, 0, len(cfg.Member.Seed))
		for _, m := range cfg.Member.Seed {
			seed = append(seed, member.Member{ID: m.ID, DisplayName: m.DisplayName})
		}
		return member.NewMemory(seed...), nil
	}
	mc := cfg.Mongo
	db, err := mgo.Connect(ctx, &mc)
	if err != nil {
		return nil, err
	}
	app.onClose(func() { _ = mgo.Disconnect(context.Background(), db) })
	dir := member.NewMongo(db, mc.Timeout)
	if err := dir.EnsureIndexes(ctx); err != nil {
		// 成员集合归账号服务所有，索引失败不阻塞启动
		logger.Warn("[Mongo] ensure member index failed", zap.Error(err))
	}
	return dir, nil
}

func buildRelay(app *App) error {
	cfg := app.Conf.Nats
	cli, err := natsx.NewNatsxClient(natsx.NatsxConfig{
		Servers:  cfg.Servers,
		Name:     cfg.Name,
		User:     cfg.User,
		Password: cfg.Password,
	})
	if err != nil {
		return err
	}
	app.onClose(func() { _ = cli.Close() })

	var mws []natsx.NatsxMiddleware
	if cfg.DedupeTTL > 0 {
		mws = append(mws, natsx.NatsxIdemMiddleware(natsx.NewMemIdem(cfg.DedupeTTL), cfg.DedupeTTL))
	}
	relay := natsx.NewClientRelay(cli, app.Gateway.NodeID(), cfg.SubjectPrefix, app.Gateway.DeliverLocal, mws...)
	relay.OnEvict(app.Gateway.EvictLocal)
	if err := relay.Start(); err != nil {
		return err
	}
	app.Gateway.SetRelay(relay)
	app.Relay = relay
	return nil
}

// register 把本节点注册到 Nacos，Close 时注销
func register(app *App) error {
	cfg := app.Conf
	naming, err := nacos.NewNamingClient(cfg.Nacos)
	if err != nil {
		return err
	}
	_, portStr, err := net.SplitHostPort(cfg.Server.Addr)
	if err != nil {
		return err
	}
	port, err := strconv.ParseUint(portStr, 10, 64)
	if err != nil {
		return err
	}
	ip := cfg.Server.AdvertiseIP
	if ip == "" {
		ip = "127.0.0.1"
	}
	reg := nacos.NewRegistry(naming, cfg.Nacos.Service, cfg.Nacos.Group, ip, port, app.Gateway.NodeID())
	if err := reg.Register(); err != nil {
		return err
	}
	app.onClose(func() {
		if err := reg.Deregister(); err != nil {
			logger.Warn("[Nacos] deregister failed", zap.Error(err))
		}
	})
	return nil
}
