package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/mdouchement/logger"
	"github.com/pkg/errors"

	"github.com/mdouchement/s3cache/internal/cacheerror"
	"github.com/mdouchement/s3cache/internal/webserver/weberror"
)

// NewHTTPErrorHandler is a middleware that formats rendered errors.
func NewHTTPErrorHandler(log logger.Logger) func(err error, c echo.Context) {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			log.Errorf("%s %s: %s", c.Request().Method, c.Request().URL.Path, err)
			return
		}

		var payload *weberror.Error
		var herr *echo.HTTPError
		var cerr *cacheerror.Error

		switch {
		case errors.As(err, &herr):
			payload = &weberror.Error{Code: herr.Code, Message: http.StatusText(herr.Code)}
			if msg, ok := herr.Message.(string); ok {
				payload.Message = msg
			}
		case errors.As(err, &payload):
		case errors.As(err, &cerr):
			payload = &weberror.Error{
				Code:    cerr.HTTPCode(),
				Kind:    cerr.Kind.String(),
				Message: err.Error(),
			}
		default:
			payload = &weberror.Error{Code: http.StatusInternalServerError, Message: err.Error()}
		}

		if payload.Code >= http.StatusInternalServerError {
			log.Error(err)
		} else {
			log.Debugf("%s %s: %s", c.Request().Method, c.Request().URL.Path, err)
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(payload.Code)
		} else {
			err = c.JSON(payload.Code, payload)
		}
		if err != nil {
			log.Errorf("HTTPErrorHandler: %s", err)
		}
	}
}
