package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/KAsare1/medibook-server/cmd/config"
	"github.com/KAsare1/medibook-server/cmd/logger"
	"github.com/KAsare1/medibook-server/cmd/metrics"
	"github.com/KAsare1/medibook-server/cmd/utils"
	"github.com/KAsare1/medibook-server/db"
	"github.com/KAsare1/medibook-server/docs"
	"github.com/KAsare1/medibook-server/service/appointment"
	"github.com/KAsare1/medibook-server/service/billing"
	"github.com/KAsare1/medibook-server/service/chats"
	"github.com/KAsare1/medibook-server/service/dashboard"
	notification "github.com/KAsare1/medibook-server/service/notifications"
	"github.com/KAsare1/medibook-server/service/payment"
	"github.com/KAsare1/medibook-server/service/pharmacy"
	"github.com/KAsare1/medibook-server/service/schedule"
	"github.com/KAsare1/medibook-server/service/sweeper"
	"github.com/KAsare1/medibook-server/service/user"
	"github.com/KAsare1/medibook-server/service/ws"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	expo "github.com/oliveroneill/exponent-server-sdk-golang/sdk"
	"github.com/redis/go-redis/v9"
	"github.com/swaggo/swag"
	"gorm.io/gorm"
)

const shutdownTimeout = 15 * time.Second

type APIServer struct {
	cfg *config.Config
	db  *gorm.DB
	log *logger.Logger

	auth         *utils.Authenticator
	locker       db.Locker
	hub          *ws.Hub
	mailer       *notification.Mailer
	notifier     *notification.Service
	chat         *chats.Provisioner
	pricer       *billing.Pricer
	appointments *appointment.Service
}

// NewApiServer wires the services shared by every handler. rdb may be nil, in
// which case locks are held in process.
func NewApiServer(cfg *config.Config, gdb *gorm.DB, rdb *redis.Client, log *logger.Logger) (*APIServer, error) {
	s := &APIServer{
		cfg:    cfg,
		db:     gdb,
		log:    log,
		auth:   utils.NewAuthenticator(cfg.JWT.SecretKey, cfg.JWT.AccessTokenTTL),
		hub:    ws.NewHub(log.WithComponent("ws")),
		mailer: notification.NewMailer(cfg.SMTP, log.WithComponent("mailer")),
		pricer: billing.NewPricer(cfg.Billing),
	}

	if rdb != nil {
		s.locker = db.NewRedisLocker(rdb)
	} else {
		s.locker = db.NewLocalLocker()
	}

	chat, err := chats.NewProvisioner(cfg.Stream, log.WithComponent("chat"))
	if err != nil {
		return nil, err
	}
	s.chat = chat

	s.notifier = notification.NewService(gdb, s.hub, expo.NewPushClient(nil), s.mailer, log.WithComponent("notifications"))
	s.appointments = appointment.NewService(
		appointment.NewStore(gdb),
		s.pricer,
		s.notifier,
		s.chat,
		s.locker,
		appointment.Options{
			HoldTTL:       cfg.Billing.HoldTTL,
			SettlementDue: cfg.Billing.SettlementDue,
			CancelCutoff:  cfg.Billing.CancelCutoff,
		},
		log,
	)
	return s, nil
}

// Sweeper returns the hold sweeper bound to this server's services.
func (s *APIServer) Sweeper() *sweeper.Sweeper {
	return sweeper.New(s.appointments, s.locker, s.cfg.Sweep, s.log.WithComponent("sweeper"))
}

// Router builds the full route tree, middleware included.
func (s *APIServer) Router() http.Handler {
	router := mux.NewRouter()
	router.Use(metrics.Middleware)

	router.Handle("/metrics", metrics.Handler()).Methods("GET")
	router.HandleFunc("/healthz", s.health).Methods("GET")
	router.HandleFunc("/swagger/doc.json", swaggerDoc).Methods("GET")
	router.PathPrefix("/uploads/").Handler(
		http.StripPrefix("/uploads/", http.FileServer(http.Dir(s.cfg.Uploads.Dir))),
	)

	wsHandler := ws.NewHandler(s.hub, s.auth, s.cfg.Server.AllowedOrigins)
	wsHandler.RegisterRoutes(router)

	subrouter := router.PathPrefix("/api/v1").Subrouter()

	receipts := billing.NewReceipts(s.db, s.mailer)
	userHandler := user.NewHandler(s.db, s.auth, s.mailer, s.chat, s.cfg.JWT.RefreshTokenTTL, s.cfg.Uploads.Dir, s.log)
	paymentHandler := payment.NewPaymentHandler(s.db, s.appointments, payment.NewClient(s.cfg.PayOS), receipts, s.log.WithComponent("payment"))

	userHandler.RegisterPublicRoutes(subrouter)
	paymentHandler.RegisterPublicRoutes(subrouter)

	protected := subrouter.NewRoute().Subrouter()
	protected.Use(s.auth.Middleware)

	userHandler.RegisterRoutes(protected)
	paymentHandler.RegisterRoutes(protected)

	appointmentHandler := appointment.NewAppointmentHandler(s.appointments, s.chat)
	appointmentHandler.RegisterRoutes(protected)

	scheduleHandler := schedule.NewScheduleHandler(s.db, s.log)
	scheduleHandler.RegisterRoutes(protected)

	invoiceHandler := billing.NewInvoiceHandler(s.db, s.pricer, receipts)
	invoiceHandler.RegisterRoutes(protected)

	pharmacyHandler := pharmacy.NewPharmacyHandler(s.appointments)
	pharmacyHandler.RegisterRoutes(protected)

	notificationHandler := notification.NewNotificationHandler(s.db, s.notifier)
	notificationHandler.RegisterRoutes(protected)

	dashboardHandler := dashboard.NewDashboardHandler(s.db)
	dashboardHandler.RegisterRoutes(protected)

	cors := handlers.CORS(
		handlers.AllowedOrigins(s.cfg.Server.AllowedOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
	)
	return handlers.RecoveryHandler(handlers.RecoveryLogger(s.log), handlers.PrintRecoveryStack(true))(cors(router))
}

// Run serves until ctx is cancelled, then drains in-flight requests and
// background deliveries.
func (s *APIServer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.hub.Run(ctx)
	go s.Sweeper().Run(ctx)

	accessLog := s.log.Writer()
	defer accessLog.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:      handlers.CombinedLoggingHandler(accessLog, s.Router()),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", srv.Addr).Info("Server running")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("Shutting down server...")
	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.Wait()
	return nil
}

// Wait blocks until background notifications and chat provisioning finish.
func (s *APIServer) Wait() {
	s.appointments.Wait()
	s.notifier.Wait()
}

func (s *APIServer) health(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		utils.RespondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "database unavailable"})
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func swaggerDoc(w http.ResponseWriter, r *http.Request) {
	doc, err := swag.ReadDoc(docs.SwaggerInfo.InstanceName())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(doc))
}
