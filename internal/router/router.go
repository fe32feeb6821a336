// Package router registers HTTP routes and their middleware.
package router

import (
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/regimen-sync/internal/config"
	"github.com/iliyamo/regimen-sync/internal/handler"
	"github.com/iliyamo/regimen-sync/internal/middleware"
	"github.com/iliyamo/regimen-sync/internal/notify"
)

// Handlers bundles everything the routes dispatch to.
type Handlers struct {
	Health  echo.HandlerFunc
	Sync    *handler.SyncHandler
	Patient *handler.PatientHandler
	Team    *handler.TeamHandler
	Device  *handler.DeviceHandler
	Hub     *notify.Hub
}

// Options carries the middleware configuration.  Redis may be nil, in
// which case rate limiting and caching are disabled.
type Options struct {
	JWTSecret string
	RateLimit config.RateLimitConfig
	Cache     config.CacheConfig
	Redis     *redis.Client
}

// Register wires every route.  Device identity is resolved on all routes;
// team routes require it.  Writes from peers are rate limited.
func Register(e *echo.Echo, h Handlers, o Options) {
	e.GET("/healthz", h.Health)

	limit := middleware.NewTokenBucket(o.RateLimit, o.Redis)
	cache := middleware.NewRedisCache(o.Cache, o.Redis)
	auth := middleware.DeviceAuth(o.JWTSecret)

	e.POST("/api/devices/pair", h.Device.Pair, limit)

	api := e.Group("/api", auth)
	api.GET("/get_all_data", h.Sync.GetAllData)
	api.POST("/merge_data", h.Sync.MergeData, limit)
	api.POST("/stage_incoming", h.Sync.StageIncoming, limit)
	api.GET("/get_host_info", h.Sync.GetHostInfo)
	api.GET("/get_staged_data", h.Sync.GetStagedData)
	api.POST("/commit_staged", h.Sync.CommitStaged)

	api.POST("/patients", h.Patient.Create)
	api.GET("/regimens", h.Patient.Regimens, cache)

	teams := api.Group("/teams", middleware.RequireDevice())
	teams.POST("/create", h.Team.Create)
	teams.GET("/list", h.Team.List)
	teams.POST("/join", h.Team.Join)
	teams.POST("/approve", h.Team.Approve)
	teams.GET("/members", h.Team.Members)
	teams.POST("/stats", h.Team.Stats)
	teams.POST("/disband", h.Team.Disband)

	// Calendar routes used by the browser UI.
	e.GET("/events", h.Patient.Events)
	e.POST("/add_patient", h.Patient.Create)
	e.POST("/update_event", h.Patient.UpdateEvent)
	e.POST("/delete_patient/:id", h.Patient.DeletePatient)

	if h.Hub != nil {
		e.GET("/ws/host", h.Hub.ServeWS)
	}
}
