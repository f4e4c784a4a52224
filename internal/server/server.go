package server

import (
	"context"
	"database/sql"
	"log/slog"
	"math"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/dukerupert/pushflow/internal/backup"
	"github.com/dukerupert/pushflow/internal/config"
	"github.com/dukerupert/pushflow/internal/fanout"
	"github.com/dukerupert/pushflow/internal/handler"
	"github.com/dukerupert/pushflow/internal/metrics"
	"github.com/dukerupert/pushflow/internal/middleware"
	"github.com/dukerupert/pushflow/internal/push"
	"github.com/dukerupert/pushflow/internal/store"
	ws "github.com/dukerupert/pushflow/internal/websocket"
)

const maxBodyBytes = 1 << 20

// DeviceStore is what both the engine and the device endpoints need from
// the subscription store.
type DeviceStore interface {
	fanout.DeviceStore
	handler.DeviceStore
	Count(ctx context.Context) (int, error)
}

// MessageLog is the message log as written by the engine and read by the
// history endpoint.
type MessageLog interface {
	fanout.MessageLog
	handler.MessageHistory
}

// Backend holds the storage the server runs on. DB is set only for the
// SQLite backend and enables backups. Ping backs the health check.
type Backend struct {
	Devices  DeviceStore
	Messages MessageLog
	DB       *sql.DB
	Ping     func(ctx context.Context) error
}

type Server struct {
	cfg           *config.Config
	hub           *ws.Hub
	health        http.HandlerFunc
	deviceH       *handler.DeviceHandler
	messageH      *handler.MessageHandler
	pushH         *handler.PushHandler
	backupH       *handler.BackupHandler
	rateLimiter   *middleware.RateLimiter
	backupManager *backup.Manager
	logger        *slog.Logger
}

func New(cfg *config.Config, backend Backend, logger *slog.Logger) *Server {
	metrics.Init()

	hub := ws.NewHub(logger.With("component", "websocket"))

	pushSvc := push.NewService(push.Config{
		VAPIDPublicKey:  cfg.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.VAPIDPrivateKey,
		Subject:         cfg.VAPIDSubject,
		TTL:             cfg.PushTTL,
		Timeout:         cfg.PushTimeout,
	})

	engine := fanout.New(backend.Devices, backend.Messages, pushSvc,
		fanout.WithConcurrency(cfg.PushConcurrency),
		fanout.WithRateLimit(cfg.PushRatePerSec),
		fanout.WithNotifier(hub),
		fanout.WithLogger(logger),
	)

	devices := backend.Devices
	metricsLogger := logger.With("component", "metrics")
	metrics.SetDeviceCounter(func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n, err := devices.Count(ctx)
		if err != nil {
			metricsLogger.Warn("count devices", "error", err)
			return math.NaN()
		}
		return float64(n)
	})

	s := &Server{
		cfg:         cfg,
		hub:         hub,
		health:      handler.Health(backend.Ping, logger.With("component", "health")),
		deviceH:     handler.NewDeviceHandler(backend.Devices, hub, logger.With("component", "device_handler")),
		messageH:    handler.NewMessageHandler(backend.Messages, logger.With("component", "message_handler")),
		pushH:       handler.NewPushHandler(engine, pushSvc.VAPIDPublicKey(), logger.With("component", "push_handler")),
		rateLimiter: middleware.NewRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow),
		logger:      logger,
	}

	// Backups snapshot the SQLite file, so they only exist for that backend.
	if backend.DB != nil && cfg.BackupEnabled() {
		backupCfg := backup.Config{
			S3: backup.S3Config{
				Endpoint:  cfg.S3Endpoint,
				Bucket:    cfg.S3Bucket,
				Region:    cfg.S3Region,
				AccessKey: cfg.S3AccessKey,
				SecretKey: cfg.S3SecretKey,
				Prefix:    cfg.S3Prefix,
			},
			Passphrase:    cfg.BackupPassphrase,
			Interval:      cfg.BackupInterval,
			RetentionDays: cfg.BackupRetentionDays,
		}
		s.backupManager = backup.NewManager(backupCfg, backend.DB, store.NewBackupStore(backend.DB), func(st backup.Status) {
			hub.Broadcast(ws.NewMessage(ws.EventBackupStatus, "", map[string]any{
				"state":      string(st.State),
				"inProgress": st.InProgress,
				"error":      st.Error,
			}))
		}, logger)
		s.backupH = handler.NewBackupHandler(s.backupManager, logger.With("component", "backup_handler"))
	}

	return s
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

// BackupManager returns the backup manager, or nil when backups are not
// configured or the MongoDB backend is in use.
func (s *Server) BackupManager() *backup.Manager {
	return s.backupManager
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("GET /vapid-public-key", s.pushH.VAPIDPublicKey)

	mux.Handle("POST /subscribe", s.rateLimited(s.deviceH.Subscribe))
	mux.Handle("POST /unsubscribe", s.rateLimited(s.deviceH.Unsubscribe))
	mux.Handle("GET /devices", s.rateLimited(s.deviceH.List))
	mux.Handle("GET /devices/{deviceId}/messages", s.rateLimited(s.messageH.ListByDevice))
	mux.Handle("POST /send-notification", s.rateLimited(s.pushH.SendNotification))

	if s.cfg.AdminToken != "" {
		admin := middleware.RequireToken(s.cfg.AdminToken)
		mux.Handle("POST /admin/unsubscribe-all", admin(http.HandlerFunc(s.deviceH.UnsubscribeAll)))
		if s.backupH != nil {
			mux.Handle("POST /admin/backup", admin(http.HandlerFunc(s.backupH.Run)))
			mux.Handle("GET /admin/backups", admin(http.HandlerFunc(s.backupH.List)))
		}
	}

	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub, s.logger.With("component", "websocket")))

	mux.Handle("/", s.staticHandler())

	return middleware.Chain(mux,
		middleware.Recover(s.logger.With("component", "http")),
		middleware.RequestLogger(s.logger.With("component", "http")),
		middleware.SecurityHeaders,
		middleware.CORS,
		middleware.MaxBody(maxBodyBytes),
	)
}

func (s *Server) rateLimited(h http.HandlerFunc) http.Handler {
	key := middleware.ClientIP(s.cfg.TrustProxyHops, s.cfg.TrustCloudflare)
	return middleware.RateLimit(s.rateLimiter, key)(h)
}

// staticHandler serves files from the static directory and answers anything
// else with a JSON 404.
func (s *Server) staticHandler() http.Handler {
	dir := s.cfg.StaticDir
	info, err := os.Stat(dir)
	if dir == "" || err != nil || !info.IsDir() {
		return http.HandlerFunc(handler.NotFound)
	}

	files := http.FileServer(http.Dir(dir))
	production := s.cfg.IsProduction()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			handler.NotFound(w, r)
			return
		}
		name := filepath.Join(dir, filepath.FromSlash(path.Clean("/"+r.URL.Path)))
		if _, err := os.Stat(name); err != nil {
			handler.NotFound(w, r)
			return
		}
		if production {
			w.Header().Set("Cache-Control", "public, max-age=86400")
		}
		files.ServeHTTP(w, r)
	})
}
