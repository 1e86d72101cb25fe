package webserver

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/mdouchement/logger"

	"github.com/mdouchement/s3cache/internal/service"
	"github.com/mdouchement/s3cache/internal/webserver/serializer"
	"github.com/mdouchement/s3cache/internal/xpath"
)

type snapshot struct {
	logger    logger.Logger
	snapshots *service.Snapshots
}

func (h *snapshot) List(c echo.Context) error {
	c.Set("handler_method", "snapshot.List")

	names := []string{}
	for name, err := range h.snapshots.List(c.Request().Context()) {
		if err != nil {
			return err
		}
		names = append(names, name)
	}

	//

	if c.Request().Header.Get("Accept") == "text/plain" {
		return c.String(http.StatusOK, serializer.TextSnapshots(names))
	}
	// "application/json"
	return c.JSON(http.StatusOK, serializer.Snapshots(names))
}

func (h *snapshot) Show(c echo.Context) error {
	c.Set("handler_method", "snapshot.Show")

	name := param(c, "name")
	manifest, err := h.snapshots.Show(c.Request().Context(), name)
	if err != nil {
		return err
	}

	//

	c.Response().Header().Set("X-Snapshot-File-Count", strconv.Itoa(len(manifest.Files)))
	c.Response().Header().Set("X-Snapshot-Bytes", strconv.FormatInt(manifest.Size(), 10))

	switch {
	case c.Request().Method == http.MethodHead:
		return c.NoContent(http.StatusOK)
	case c.Request().Header.Get("Accept") == "text/plain":
		return c.String(http.StatusOK, serializer.TextManifest(manifest))
	}
	// "application/json"
	return c.JSON(http.StatusOK, serializer.Manifest(name, manifest))
}

func (h *snapshot) Download(c echo.Context) error {
	c.Set("handler_method", "snapshot.Download")

	name := param(c, "name")
	path := param(c, "*")

	r, entry, err := h.snapshots.Open(c.Request().Context(), name, path)
	if err != nil {
		return err
	}
	defer r.Close()

	//

	c.Response().Header().Set(echo.HeaderContentLength, strconv.FormatInt(entry.Size, 10))
	c.Response().Header().Set("Etag", entry.Hash)
	c.Response().Header().Set("X-File-Mode", strconv.FormatUint(uint64(entry.Mode.Perm()), 8))
	if c.Request().Method == http.MethodHead {
		return c.NoContent(http.StatusOK)
	}
	return c.Stream(http.StatusOK, echo.MIMEOctetStream, r)
}

// param returns the unescaped path parameter so snapshot names may carry encoded slashes.
// Malformed names are rejected as Invalid by the snapshot operations.
func param(c echo.Context, name string) string {
	return xpath.Unescape(c.Param(name))
}
