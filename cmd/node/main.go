package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/notarium/internal/auth"
	"github.com/terminal-bench/notarium/internal/cache"
	"github.com/terminal-bench/notarium/internal/callbacks"
	"github.com/terminal-bench/notarium/internal/gateway"
	"github.com/terminal-bench/notarium/internal/ledger"
	"github.com/terminal-bench/notarium/internal/netconfig"
	"github.com/terminal-bench/notarium/internal/node"
	"github.com/terminal-bench/notarium/internal/stats"
	"github.com/terminal-bench/notarium/internal/transport"
	"github.com/terminal-bench/notarium/pkg/items"
	"github.com/terminal-bench/notarium/pkg/messaging"
	"github.com/terminal-bench/notarium/pkg/namecache"
)

func main() {
	number, err := strconv.Atoi(envOr("NODE_NUMBER", "1"))
	if err != nil {
		log.Fatalf("bad NODE_NUMBER: %v", err)
	}
	port := envOr("PORT", "8080")

	cfg, self, err := loadNetConfig(number)
	if err != nil {
		log.Fatalf("failed to load network config: %v", err)
	}

	lg, err := openLedger()
	if err != nil {
		log.Fatalf("failed to open ledger: %v", err)
	}
	defer lg.Close()

	itemCache, err := openCache()
	if err != nil {
		log.Fatalf("failed to open item cache: %v", err)
	}
	defer itemCache.Close()

	natsClient, err := messaging.NewClient(messaging.Config{
		URL:           envOr("NATS_URL", "nats://localhost:4222"),
		Name:          self.Name,
		ReconnectWait: time.Second,
		MaxReconnects: -1,
	})
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}
	defer natsClient.Close()

	network := transport.NewNATS(self.Number, natsClient)
	if err := network.ServePing(); err != nil {
		log.Fatalf("failed to serve pings: %v", err)
	}

	names := namecache.New(5*time.Minute, time.Minute)
	defer names.Shutdown()

	collector := stats.NewCollector(self.Number)

	minPayment, err := decimal.NewFromString(envOr("MIN_PAYMENT", "1"))
	if err != nil {
		log.Fatalf("bad MIN_PAYMENT: %v", err)
	}

	n, err := node.New(node.Config{
		Self:         self,
		Net:          cfg,
		Quorum:       netconfig.DefaultQuorum(cfg.Size()),
		Decoder:      items.DecodeTestItem,
		PingInterval: 10 * time.Second,
		MinPayment:   minPayment,
	}, lg, network, itemCache, names, collector)
	if err != nil {
		log.Fatalf("failed to build node: %v", err)
	}
	if err := n.Start(); err != nil {
		log.Fatalf("failed to start node: %v", err)
	}
	defer n.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go collector.Run(ctx, openStatsSink(), time.Minute)

	authn, err := openAuth(ctx)
	if err != nil {
		log.Fatalf("failed to set up auth: %v", err)
	}

	follower := callbacks.NewService(callbacks.Config{}, lg)
	if err := follower.Start(ctx); err != nil {
		log.Fatalf("failed to start callback service: %v", err)
	}
	defer follower.Stop()
	n.AddStateListener(follower.OnStateChange)

	gw := gateway.New(gateway.Config{
		Port:            port,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    45 * time.Second,
		RateLimitMax:    200,
		RateLimitWindow: time.Second,
	}, n, cfg, authn, items.DecodeTestItem, follower)

	go func() {
		log.Printf("node %d listening on :%s", self.Number, port)
		if err := gw.Start(":" + port); err != nil {
			log.Fatalf("gateway stopped: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down")
}

// loadNetConfig reads the topology from etcd when ETCD_ENDPOINTS is
// set, otherwise from the static NODES list
// ("1:name:host:port,2:name:host:port").
func loadNetConfig(number int) (*netconfig.NetConfig, netconfig.NodeInfo, error) {
	var provider netconfig.Provider

	if endpoints := os.Getenv("ETCD_ENDPOINTS"); endpoints != "" {
		etcd, err := netconfig.NewEtcd(strings.Split(endpoints, ","), "/notary/nodes", 5*time.Second)
		if err != nil {
			return nil, netconfig.NodeInfo{}, err
		}
		provider = etcd
	} else {
		nodes, err := parseStaticNodes(envOr("NODES", "1:node-1:localhost:8080"))
		if err != nil {
			return nil, netconfig.NodeInfo{}, err
		}
		cfg, err := netconfig.New(nodes)
		if err != nil {
			return nil, netconfig.NodeInfo{}, err
		}
		provider = netconfig.NewStatic(cfg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cfg, err := provider.Config(ctx)
	if err != nil {
		return nil, netconfig.NodeInfo{}, err
	}
	self, ok := cfg.Node(number)
	if !ok {
		log.Fatalf("node %d is not part of the configured network", number)
	}
	return cfg, self, nil
}

func parseStaticNodes(raw string) ([]netconfig.NodeInfo, error) {
	var nodes []netconfig.NodeInfo
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 4 {
			log.Fatalf("bad NODES entry %q, want number:name:host:port", entry)
		}
		number, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, err
		}
		port, err := strconv.Atoi(parts[3])
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, netconfig.NodeInfo{
			Number: number,
			Name:   parts[1],
			Host:   parts[2],
			Port:   port,
		})
	}
	return nodes, nil
}

// openLedger prefers postgres and falls back to the in-memory ledger
// for local runs.
func openLedger() (ledger.Ledger, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Println("DATABASE_URL not set, using in-memory ledger")
		return ledger.NewMemory(), nil
	}
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return ledger.NewPostgres(db)
}

func openCache() (cache.Cache, error) {
	addr := os.Getenv("REDIS_URL")
	if addr == "" {
		log.Println("REDIS_URL not set, using in-memory item cache")
		return cache.NewMemory(24 * time.Hour), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return cache.NewRedis(ctx, addr, 24*time.Hour)
}

func openStatsSink() stats.Sink {
	url := os.Getenv("INFLUXDB_URL")
	if url == "" {
		return stats.Discard{}
	}
	return stats.NewInflux(url,
		os.Getenv("INFLUXDB_TOKEN"),
		envOr("INFLUXDB_ORG", "notary"),
		envOr("INFLUXDB_BUCKET", "node_stats"),
	)
}

// openAuth returns nil, disabling gateway auth, unless both a database
// and a JWT secret are configured.
func openAuth(ctx context.Context) (gateway.Authenticator, error) {
	secret := os.Getenv("JWT_SECRET")
	dbURL := os.Getenv("DATABASE_URL")
	if secret == "" || dbURL == "" {
		log.Println("JWT_SECRET or DATABASE_URL not set, gateway auth disabled")
		return nil, nil
	}
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, err
	}
	svc := auth.NewService(db, secret, 24*time.Hour)
	if err := svc.InitSchema(ctx); err != nil {
		return nil, err
	}
	return svc, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
