package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type Deps struct {
	Sessions       Sessions
	WS             http.HandlerFunc
	CORS           []string
	Now            func() time.Time
	RequestTimeout time.Duration
}

func NewRouter(d Deps) http.Handler {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = 30 * time.Second
	}
	origins := d.CORS
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://127.0.0.1:5173"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(WithRequestLogger)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID", UserHeader},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		OK(w, map[string]string{"status": "ok", "timestamp": d.Now().UTC().Format(time.RFC3339)})
	})

	// websocket живёт дольше любого таймаута запроса и без логгера ответа
	if d.WS != nil {
		r.Get("/ws", d.WS)
	}

	h := &Handlers{Sessions: d.Sessions, Now: d.Now}
	r.Group(func(rt chi.Router) {
		rt.Use(RequestLogger)
		rt.Use(middleware.Timeout(d.RequestTimeout))

		rt.Route("/sessions", func(rs chi.Router) {
			rs.Get("/", h.ListSessions)
			rs.Post("/", h.CreateSession)

			rs.Route("/{id}", func(rr chi.Router) {
				rr.Get("/", h.GetSession)
				rr.Get("/messages", h.Messages)
				rr.Get("/users", h.Users)
				rr.Get("/counter", h.Counter)

				rr.Post("/messages", h.PostMessage)
				rr.Delete("/messages/{messageID}", h.DeleteMessage)
				rr.Post("/counter", h.UpdateCounter)
				rr.Post("/counter/increment", h.StepCounter(1))
				rr.Post("/counter/decrement", h.StepCounter(-1))
				rr.Post("/activity", h.Activity)
			})
		})
	})

	return r
}
