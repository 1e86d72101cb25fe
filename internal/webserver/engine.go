package webserver

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mdouchement/logger"

	"github.com/mdouchement/s3cache/internal/scheduler"
	"github.com/mdouchement/s3cache/internal/service"
	middlewarepkg "github.com/mdouchement/s3cache/internal/webserver/middleware"
)

// A Controller is an Inversion Of Control pattern used to init the server package.
type Controller struct {
	Version string
	Logger  logger.Logger
	Service service.Controller
	// Catalog exposes the periodically refreshed summaries on /catalog when set.
	Catalog *scheduler.Catalog
	// Token is the X-Auth-Token required on the snapshot routes, none when empty.
	Token string
	Debug bool
}

// EchoEngine instantiates the read-only web server over the snapshots.
func EchoEngine(ctrl Controller) *echo.Echo {
	engine := echo.New()
	engine.HideBanner = true
	engine.HidePort = true

	engine.Use(middleware.Recover())
	engine.Use(middleware.Gzip())
	engine.Use(middlewarepkg.Logger(ctrl.Logger))
	if ctrl.Debug {
		engine.Use(middlewarepkg.Dumpper(ctrl.Logger))
	}

	engine.HTTPErrorHandler = middlewarepkg.NewHTTPErrorHandler(ctrl.Logger.WithPrefix("[http]"))

	engine.Pre(middleware.Rewrite(map[string]string{
		"/": "/version",
	}))

	//
	//
	//

	router := engine.Group("")

	// Generic handlers
	//
	router.GET("/version", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{
			"version": ctrl.Version,
		})
	})

	// Snapshots
	//
	auth := middlewarepkg.Authenticate(ctrl.Token)
	snapshot := snapshot{
		logger:    ctrl.Logger,
		snapshots: service.NewSnapshots(ctrl.Service),
	}
	router.GET("/snapshots", snapshot.List, auth)
	router.HEAD("/snapshots/:name", snapshot.Show, auth)
	router.GET("/snapshots/:name", snapshot.Show, auth)
	router.HEAD("/snapshots/:name/files/*", snapshot.Download, auth)
	router.GET("/snapshots/:name/files/*", snapshot.Download, auth)

	if ctrl.Catalog != nil {
		router.GET("/catalog", func(c echo.Context) error {
			c.Set("handler_method", "catalog.Show")

			summaries, refreshedAt := ctrl.Catalog.Summaries()
			return c.JSON(http.StatusOK, echo.Map{
				"refreshed_at": refreshedAt,
				"snapshots":    summaries,
			})
		}, auth)
	}

	return engine
}

// PrintRoutes prints the Echo engine exposed routes.
func PrintRoutes(e *echo.Echo) {
	ignored := map[string]bool{
		"":   true,
		".":  true,
		"/*": true,
	}

	routes := e.Routes()
	sort.Slice(routes, func(i int, j int) bool {
		return routes[i].Path < routes[j].Path
	})

	fmt.Println("Routes:")
	for _, route := range routes {
		if ignored[route.Path] {
			continue
		}
		fmt.Printf("%6s %s\n", route.Method, route.Path)
	}
}
