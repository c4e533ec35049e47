package api

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"

	"github.com/bobby-s-dev/region-weather/internal/services"
)

// NewApp builds the fiber app with goccy JSON codecs and the shared error handler.
func NewApp(readTimeout, writeTimeout time.Duration, log *zap.Logger) *fiber.App {
	return fiber.New(fiber.Config{
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		JSONEncoder:  json.Marshal,
		JSONDecoder:  json.Unmarshal,
		ErrorHandler: ErrorHandler(log),
	})
}

func SetupRoutes(app *fiber.App, handler *Handler, log *zap.Logger) {
	// Middleware
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,HEAD,PUT,DELETE,PATCH",
	}))

	// Custom logger middleware
	app.Use(logger.New(logger.Config{
		Format:     "${time} ${pid} ${locals:requestid} ${status} - ${method} ${path}\n",
		TimeFormat: time.RFC3339,
	}))

	// API v1 routes
	api := app.Group("/api/v1")

	// Health check
	api.Get("/health", handler.GetHealth)

	// Synchronizer operations
	api.Post("/activate", handler.Activate)
	api.Post("/refresh", handler.Refresh)
	api.Post("/location", handler.PushLocation)
	api.Post("/scheduler/run", handler.RunScheduler)

	// Region routes
	regions := api.Group("/regions")
	regions.Get("/", handler.GetRegions)
	regions.Get("/stream", handler.StreamRegions)
	regions.Post("/", handler.SaveRegion)
	regions.Delete("/:position", handler.DeleteRegion)

	// 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Endpoint not found",
			"path":  c.Path(),
		})
	})

	log.Debug("Routes registered")
}

// ErrorHandler maps handler errors to status codes: validation failures are 400,
// a failed batch refresh is 502 and anything unrecognized is 500.
func ErrorHandler(log *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		// Default to 500 status code
		code := fiber.StatusInternalServerError

		var fiberErr *fiber.Error
		var validationErrs validator.ValidationErrors
		switch {
		case errors.As(err, &fiberErr):
			code = fiberErr.Code
		case errors.As(err, &validationErrs):
			code = fiber.StatusBadRequest
		case errors.Is(err, services.ErrInvalidAddress):
			code = fiber.StatusBadRequest
		case errors.Is(err, services.ErrBatchFailed):
			code = fiber.StatusBadGateway
		}

		if code >= fiber.StatusInternalServerError {
			log.Error("HTTP error",
				zap.String("method", c.Method()),
				zap.String("path", c.Path()),
				zap.Int("status", code),
				zap.Error(err))
		} else {
			log.Debug("HTTP request rejected",
				zap.String("method", c.Method()),
				zap.String("path", c.Path()),
				zap.Int("status", code),
				zap.Error(err))
		}

		return c.Status(code).JSON(fiber.Map{
			"error":   err.Error(),
			"success": false,
		})
	}
}
