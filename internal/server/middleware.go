package server

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// clientIdleTTL is how long a client may stay quiet before its bucket is dropped.
const clientIdleTTL = 10 * time.Minute

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiter is a per-client token bucket keyed by remote IP. Buckets idle
// for longer than idleTTL are swept on a later lookup.
type clientLimiter struct {
	mu         sync.Mutex
	clients    map[string]*clientEntry
	rate       rate.Limit
	burst      int
	retryAfter time.Duration
	idleTTL    time.Duration
	lastSweep  time.Time
	clock      func() time.Time
}

func newClientLimiter(requestsPerWindow int, window time.Duration) *clientLimiter {
	if requestsPerWindow <= 0 {
		requestsPerWindow = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	burst := requestsPerWindow / 2
	if burst < 1 {
		burst = 1
	}
	idleTTL := clientIdleTTL
	if window > idleTTL {
		idleTTL = window
	}
	return &clientLimiter{
		clients:    make(map[string]*clientEntry),
		rate:       rate.Limit(float64(requestsPerWindow) / window.Seconds()),
		burst:      burst,
		retryAfter: window / time.Duration(requestsPerWindow),
		idleTTL:    idleTTL,
		lastSweep:  time.Now(),
		clock:      time.Now,
	}
}

func (l *clientLimiter) limiterFor(clientIP string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if now.Sub(l.lastSweep) >= l.idleTTL {
		l.sweep(now)
	}
	if entry, exists := l.clients[clientIP]; exists {
		entry.lastSeen = now
		return entry.limiter
	}
	limiter := rate.NewLimiter(l.rate, l.burst)
	l.clients[clientIP] = &clientEntry{limiter: limiter, lastSeen: now}
	return limiter
}

// sweep drops idle buckets. Callers hold l.mu.
func (l *clientLimiter) sweep(now time.Time) {
	for clientIP, entry := range l.clients {
		if now.Sub(entry.lastSeen) >= l.idleTTL {
			delete(l.clients, clientIP)
		}
	}
	l.lastSweep = now
}

func (l *clientLimiter) middleware() gin.HandlerFunc {
	retryAfterSeconds := strconv.Itoa(int(math.Ceil(l.retryAfter.Seconds())))
	return func(c *gin.Context) {
		if !l.limiterFor(c.ClientIP()).Allow() {
			c.Header("Retry-After", retryAfterSeconds)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
			return
		}
		c.Next()
	}
}

// corsMiddleware allows credentialed requests only from explicitly listed
// origins. A wildcard configuration answers any origin without credentials.
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*") {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
		config.AllowCredentials = true
	}
	return cors.New(config)
}
