package middleware

import (
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/playmatatu/arena/internal/config"
)

var devOrigins = []string{
	"http://localhost:5173",
	"http://127.0.0.1:5173",
}

// allowedOrigins lists the browser origins for the environment.
func allowedOrigins(cfg *config.Config) []string {
	var origins []string
	if !cfg.IsProduction() {
		origins = append(origins, devOrigins...)
	}
	for _, o := range strings.Split(cfg.FrontendURL, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// CORSMiddleware returns a CORS middleware configured for the environment.
func CORSMiddleware(cfg *config.Config, log *zap.Logger) gin.HandlerFunc {
	log.Info("cors configured", zap.String("env", cfg.Environment), zap.Strings("origins", allowedOrigins(cfg)))

	return cors.New(cors.Config{
		AllowOriginFunc: OriginChecker(cfg),
		AllowMethods:    []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders: []string{
			"Origin", "Content-Length", "Content-Type", "Authorization",
			"Accept", "Cache-Control", "X-Requested-With",
		},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

// OriginChecker reports whether a WebSocket upgrade from origin is allowed.
// Outside production any localhost port is accepted.
func OriginChecker(cfg *config.Config) func(origin string) bool {
	origins := allowedOrigins(cfg)
	return func(origin string) bool {
		if origin == "" {
			return !cfg.IsProduction()
		}
		if !cfg.IsProduction() &&
			(strings.HasPrefix(origin, "http://localhost:") || strings.HasPrefix(origin, "http://127.0.0.1:")) {
			return true
		}
		for _, o := range origins {
			if o == origin {
				return true
			}
		}
		return false
	}
}
