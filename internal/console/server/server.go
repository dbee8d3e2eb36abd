package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/spaceai-verifier/internal/console/handler"
	"github.com/xela07ax/spaceai-verifier/internal/infra/auth"
	"go.uber.org/zap"
)

// ConsoleServer - admin API верификатора: программные точки входа
// для оператора, cron-триггеров и соседних сервисов платформы.
type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Проверка токенов (RS256). nil - admin API без аутентификации
	authValidator auth.TokenValidator
	requiredScope string

	sessionHandler   *handler.SessionHandler   // /v1/sessions, /v1/agents/{id}/status
	spotCheckHandler *handler.SpotCheckHandler // /v1/spot-checks
	dashHandler      *handler.DashboardHandler // /v1/stats
	metricsHandler   http.Handler              // /metrics
}

// NewConsoleServer инициализирует сервер админки со всеми зависимостями
func NewConsoleServer(
	logger *zap.Logger,
	validator auth.TokenValidator,
	requiredScope string,
	sessionH *handler.SessionHandler,
	spotCheckH *handler.SpotCheckHandler,
	dashH *handler.DashboardHandler,
	metrics http.Handler,
) *ConsoleServer {
	s := &ConsoleServer{
		router:           chi.NewRouter(),
		logger:           logger.Named("console-api"),
		authValidator:    validator,
		requiredScope:    requiredScope,
		sessionHandler:   sessionH,
		spotCheckHandler: spotCheckH,
		dashHandler:      dashH,
		metricsHandler:   metrics,
	}
	if validator == nil {
		s.logger.Warn("admin API is running WITHOUT authentication")
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(TracingMiddleware)
	r.Use(RequestLogger(s.logger))
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Group(func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		if s.metricsHandler != nil {
			r.Method(http.MethodGet, "/metrics", s.metricsHandler)
		}
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (RS256 токен + scope) ---
	r.Group(func(r chi.Router) {
		if s.authValidator != nil {
			r.Use(auth.NewMiddleware(s.authValidator, s.requiredScope, s.logger))
		}

		// Сессии верификации
		r.Route("/v1/sessions", func(r chi.Router) {
			r.Post("/", s.sessionHandler.Start)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.sessionHandler.Get)
				r.Post("/run", s.sessionHandler.Run) // Ускоренный прогон всех всплесков
			})
		})
		r.Post("/v1/process-due", s.sessionHandler.ProcessDue)
		r.Get("/v1/stats", s.dashHandler.GetStats)

		// Агенты: статус и ручной спот-чек
		r.Route("/v1/agents/{id}", func(r chi.Router) {
			r.Get("/status", s.sessionHandler.AgentStatus)
			r.Post("/spot-checks", s.spotCheckHandler.Schedule)
		})

		// Непрерывный мониторинг
		r.Route("/v1/spot-checks", func(r chi.Router) {
			r.Post("/schedule-all", s.spotCheckHandler.ScheduleAll)
			r.Post("/process-due", s.spotCheckHandler.ProcessDue)
			r.Post("/{id}/run", s.spotCheckHandler.Run)
		})
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
