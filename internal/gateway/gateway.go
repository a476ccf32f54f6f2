// Package gateway is the client-facing HTTP surface of a node: item and
// parcel submission, state queries, network topology, and a websocket
// feed of terminal verdicts.
package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/terminal-bench/notarium/internal/auth"
	"github.com/terminal-bench/notarium/internal/callbacks"
	"github.com/terminal-bench/notarium/internal/netconfig"
	"github.com/terminal-bench/notarium/internal/node"
	"github.com/terminal-bench/notarium/pkg/items"
)

// Authenticator validates session tokens. Nil disables authentication
// (local development).
type Authenticator interface {
	VerifyToken(tokenString string) (*auth.Claims, error)
}

// Config holds gateway configuration.
type Config struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxHeaderBytes  int
	RateLimitWindow time.Duration
	RateLimitMax    int

	// WaitTimeout caps blocking /wait requests.
	WaitTimeout time.Duration
}

// Gateway exposes one node over HTTP.
type Gateway struct {
	cfg      Config
	router   *gin.Engine
	node     *node.Node
	net      *netconfig.NetConfig
	auth     Authenticator
	decoder  items.Decoder
	follower *callbacks.Service

	wsMu      sync.RWMutex
	wsClients map[uuid.UUID]*wsClient

	rateLimiter *rateLimiter
}

type wsClient struct {
	id   uuid.UUID
	conn *websocket.Conn

	mu            sync.Mutex
	subscriptions map[items.HashID]bool

	send chan []byte
	done chan struct{}
}

// New wires the gateway and registers it as a node state listener.
// follower may be nil when the node does not serve follower callbacks.
func New(cfg Config, n *node.Node, net *netconfig.NetConfig, authn Authenticator, decoder items.Decoder, follower *callbacks.Service) *Gateway {
	if cfg.WaitTimeout == 0 {
		cfg.WaitTimeout = 30 * time.Second
	}
	if cfg.RateLimitMax == 0 {
		cfg.RateLimitMax = 100
		cfg.RateLimitWindow = time.Second
	}

	g := &Gateway{
		cfg:       cfg,
		router:    gin.Default(),
		node:      n,
		net:       net,
		auth:      authn,
		decoder:   decoder,
		follower:  follower,
		wsClients: make(map[uuid.UUID]*wsClient),
		rateLimiter: &rateLimiter{
			requests: make(map[string][]time.Time),
			limit:    cfg.RateLimitMax,
			window:   cfg.RateLimitWindow,
		},
	}
	g.setupRoutes()
	n.AddStateListener(g.pushStateChange)
	return g
}

func (g *Gateway) setupRoutes() {
	g.router.Use(g.rateLimitMiddleware())
	g.router.Use(g.tracingMiddleware())

	g.router.GET("/health", g.healthCheck)

	v1 := g.router.Group("/api/v1")
	{
		v1.POST("/items", g.authMiddleware(), g.registerItem)
		v1.GET("/items/:id", g.authMiddleware(), g.checkItem)
		v1.GET("/items/:id/wait", g.authMiddleware(), g.waitItem)

		v1.POST("/parcels", g.authMiddleware(), g.registerParcel)
		v1.GET("/parcels/:id/wait", g.authMiddleware(), g.waitParcel)

		v1.GET("/network", g.networkInfo)

		v1.POST("/follow", g.authMiddleware(), g.follow)

		v1.GET("/ws", g.authMiddleware(), g.handleWebSocket)
	}
}

// Handler exposes the router for tests and embedding.
func (g *Gateway) Handler() http.Handler { return g.router }

// Start serves until the listener fails.
func (g *Gateway) Start(addr string) error {
	srv := &http.Server{
		Addr:           addr,
		Handler:        g.router,
		ReadTimeout:    g.cfg.ReadTimeout,
		WriteTimeout:   g.cfg.WriteTimeout,
		MaxHeaderBytes: g.cfg.MaxHeaderBytes,
	}
	return srv.ListenAndServe()
}

// Middleware

func (g *Gateway) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if g.auth == nil {
			c.Next()
			return
		}
		token := c.GetHeader("Authorization")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}
		claims, err := g.auth.VerifyToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("client_id", claims.ClientID)
		c.Next()
	}
}

func (g *Gateway) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.rateLimiter.allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (g *Gateway) tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		c.Set("correlation_id", correlationID)
		c.Header("X-Correlation-ID", correlationID)
		c.Next()
	}
}

// Handlers

func (g *Gateway) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"node":   g.node.Number(),
	})
}

type registerItemRequest struct {
	// Packed is the base64-encoded packed item.
	Packed []byte `json:"packed" binding:"required"`
}

func (g *Gateway) registerItem(c *gin.Context) {
	var req registerItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	item, err := g.decoder(req.Packed)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed item"})
		return
	}

	result, err := g.node.RegisterItem(c.Request.Context(), item)
	if err != nil {
		status := http.StatusInternalServerError
		if err == node.ErrSanitating {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, result)
}

func (g *Gateway) checkItem(c *gin.Context) {
	id, err := items.ParseHashID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid item id"})
		return
	}
	c.JSON(http.StatusOK, g.node.CheckItem(id))
}

func (g *Gateway) waitItem(c *gin.Context) {
	id, err := items.ParseHashID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid item id"})
		return
	}

	timeout := g.waitTimeout(c)
	result, err := g.node.WaitItem(c.Request.Context(), id, timeout)
	if err == node.ErrTimeout {
		c.JSON(http.StatusRequestTimeout, result)
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

type registerParcelRequest struct {
	Payment []byte `json:"payment" binding:"required"`
	Payload []byte `json:"payload" binding:"required"`
}

func (g *Gateway) registerParcel(c *gin.Context) {
	var req registerParcelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	payment, err := g.decoder(req.Payment)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payment"})
		return
	}
	payload, err := g.decoder(req.Payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}

	parcel, err := items.NewParcel(payment, payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := g.node.RegisterParcel(c.Request.Context(), parcel); err != nil {
		status := http.StatusInternalServerError
		if err == node.ErrSanitating {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"parcel_id": parcel.ID(),
		"payment":   payment.ID(),
		"payload":   payload.ID(),
	})
}

func (g *Gateway) waitParcel(c *gin.Context) {
	id, err := items.ParseHashID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid parcel id"})
		return
	}

	result, err := g.node.WaitParcel(c.Request.Context(), id, g.waitTimeout(c))
	if err == node.ErrTimeout {
		c.JSON(http.StatusRequestTimeout, gin.H{"error": "parcel still processing"})
		return
	}
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

type followRequest struct {
	Origin items.HashID `json:"origin" binding:"required"`
	URL    string       `json:"url" binding:"required,url"`
}

func (g *Gateway) follow(c *gin.Context) {
	if g.follower == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "follower callbacks not enabled"})
		return
	}
	var req followRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	sub, err := g.follower.Follow(c.Request.Context(), req.Origin, req.URL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (g *Gateway) networkInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"nodes": g.net.Nodes(),
		"size":  g.net.Size(),
	})
}

func (g *Gateway) waitTimeout(c *gin.Context) time.Duration {
	if raw := c.Query("timeout"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 && d < g.cfg.WaitTimeout {
			return d
		}
	}
	return g.cfg.WaitTimeout
}

// WebSocket

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (g *Gateway) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	client := &wsClient{
		id:            uuid.New(),
		conn:          conn,
		subscriptions: make(map[items.HashID]bool),
		send:          make(chan []byte, 16),
		done:          make(chan struct{}),
	}

	g.wsMu.Lock()
	g.wsClients[client.id] = client
	g.wsMu.Unlock()

	go g.wsReadPump(client)
	go g.wsWritePump(client)
}

type wsMessage struct {
	Type   string       `json:"type"`
	ItemID items.HashID `json:"item_id"`
}

func (g *Gateway) wsReadPump(client *wsClient) {
	defer func() {
		g.wsMu.Lock()
		delete(g.wsClients, client.id)
		g.wsMu.Unlock()
		close(client.done)
		client.conn.Close()
	}()

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		client.mu.Lock()
		switch msg.Type {
		case "subscribe":
			client.subscriptions[msg.ItemID] = true
		case "unsubscribe":
			delete(client.subscriptions, msg.ItemID)
		}
		client.mu.Unlock()
	}
}

func (g *Gateway) wsWritePump(client *wsClient) {
	for {
		select {
		case message := <-client.send:
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-client.done:
			return
		}
	}
}

// pushStateChange fans a terminal verdict out to every subscriber of
// the item. A slow client drops the message rather than blocking the
// consensus path.
func (g *Gateway) pushStateChange(result items.Result) {
	message, err := json.Marshal(result)
	if err != nil {
		return
	}

	g.wsMu.RLock()
	defer g.wsMu.RUnlock()
	for _, client := range g.wsClients {
		client.mu.Lock()
		subscribed := client.subscriptions[result.ItemID]
		client.mu.Unlock()
		if !subscribed {
			continue
		}
		select {
		case client.send <- message:
		default:
		}
	}
}

// rateLimiter is a sliding-window per-key limiter.
type rateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	valid := rl.requests[key][:0]
	for _, t := range rl.requests[key] {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	if len(valid) >= rl.limit {
		rl.requests[key] = valid
		return false
	}
	rl.requests[key] = append(valid, now)
	return true
}
