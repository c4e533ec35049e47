package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/bobby-s-dev/region-weather/internal/location"
	"github.com/bobby-s-dev/region-weather/internal/models"
	"github.com/bobby-s-dev/region-weather/internal/services"
)

const heartbeatInterval = 15 * time.Second

// RegionService is the synchronizer surface the handlers drive.
type RegionService interface {
	Activate(ctx context.Context) error
	Refresh(ctx context.Context) error
	Delete(ctx context.Context, position int) error
	SaveRegion(ctx context.Context, coord models.Coordinate, addr models.Address) (models.RegionWeather, error)
	Regions() []models.RegionWeather
	GetStats() map[string]interface{}
}

type ViewSource interface {
	Subscribe(ctx context.Context) <-chan []models.RegionWeather
}

type LocationSink interface {
	Push(reading location.Reading) error
}

// RefreshJob is the scheduler surface: its status and a manual trigger.
type RefreshJob interface {
	GetStatus() map[string]interface{}
	ForceRun()
}

type Handler struct {
	regions   RegionService
	views     ViewSource
	feed      LocationSink
	scheduler RefreshJob
	validate  *validator.Validate
	logger    *zap.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// NewHandler wires the handlers. scheduler may be nil.
func NewHandler(regions RegionService, views ViewSource, feed LocationSink, scheduler RefreshJob, logger *zap.Logger) *Handler {
	return &Handler{
		regions:   regions,
		views:     views,
		feed:      feed,
		scheduler: scheduler,
		validate:  validator.New(),
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Close ends every open region stream so the server can shut down.
func (h *Handler) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

type locationRequest struct {
	Lat                *float64 `json:"lat" validate:"required,gte=-90,lte=90"`
	Lng                *float64 `json:"lng" validate:"required,gte=-180,lte=180"`
	AdministrativeArea string   `json:"administrative_area" validate:"required_without=Locality"`
	Locality           string   `json:"locality"`
}

func (r locationRequest) coordinate() models.Coordinate {
	return models.Coordinate{Lat: *r.Lat, Lng: *r.Lng}
}

func (r locationRequest) address() models.Address {
	return models.Address{AdministrativeArea: r.AdministrativeArea, Locality: r.Locality}
}

// Activate handles POST /api/v1/activate
func (h *Handler) Activate(c *fiber.Ctx) error {
	h.logger.Info("Activating region view")
	return h.respondWithRegions(c, h.regions.Activate(c.UserContext()))
}

// Refresh handles POST /api/v1/refresh
func (h *Handler) Refresh(c *fiber.Ctx) error {
	h.logger.Info("Refreshing regions")
	return h.respondWithRegions(c, h.regions.Refresh(c.UserContext()))
}

// GetRegions handles GET /api/v1/regions
func (h *Handler) GetRegions(c *fiber.Ctx) error {
	regions := h.regions.Regions()
	return c.JSON(fiber.Map{
		"regions": regions,
		"count":   len(regions),
	})
}

// StreamRegions handles GET /api/v1/regions/stream. Every published view is
// sent as one SSE event.
func (h *Handler) StreamRegions(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	ctx, cancel := context.WithCancel(context.Background())
	views := h.views.Subscribe(ctx)
	done := h.done
	logger := h.logger

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case <-done:
				fmt.Fprint(w, "event: done\ndata: end\n\n")
				_ = w.Flush()
				return
			case <-heartbeat.C:
				fmt.Fprint(w, ": ping\n\n")
			case view, ok := <-views:
				if !ok {
					return
				}
				b, err := json.Marshal(fiber.Map{"regions": view, "count": len(view)})
				if err != nil {
					logger.Error("Failed to encode region view", zap.Error(err))
					continue
				}
				fmt.Fprintf(w, "event: regions\ndata: %s\n\n", b)
			}
			if err := w.Flush(); err != nil {
				logger.Debug("Region stream closed by client", zap.Error(err))
				return
			}
		}
	})
	return nil
}

// DeleteRegion handles DELETE /api/v1/regions/:position
func (h *Handler) DeleteRegion(c *fiber.Ctx) error {
	position, err := strconv.Atoi(c.Params("position"))
	if err != nil {
		h.logger.Debug("Ignoring delete with non-numeric position", zap.String("position", c.Params("position")))
		return c.SendStatus(fiber.StatusNoContent)
	}

	err = h.regions.Delete(c.UserContext(), position)
	if err == nil {
		return c.SendStatus(fiber.StatusNoContent)
	}
	if errors.Is(err, services.ErrPersist) {
		return c.JSON(fiber.Map{
			"success": true,
			"warning": err.Error(),
		})
	}
	return err
}

// SaveRegion handles POST /api/v1/regions
func (h *Handler) SaveRegion(c *fiber.Ctx) error {
	var req locationRequest
	if err := h.parse(c, &req); err != nil {
		return err
	}

	region, err := h.regions.SaveRegion(c.UserContext(), req.coordinate(), req.address())
	if err != nil && !errors.Is(err, services.ErrPersist) {
		h.logger.Error("Failed to save region",
			zap.String("address", req.address().Key()),
			zap.Error(err))
		return err
	}

	body := fiber.Map{
		"success": true,
		"region":  region,
	}
	if err != nil {
		body["warning"] = err.Error()
	}
	return c.Status(fiber.StatusCreated).JSON(body)
}

// PushLocation handles POST /api/v1/location
func (h *Handler) PushLocation(c *fiber.Ctx) error {
	var req locationRequest
	if err := h.parse(c, &req); err != nil {
		return err
	}

	reading := location.Reading{Coordinate: req.coordinate(), Address: req.address()}
	if err := h.feed.Push(reading); err != nil {
		if errors.Is(err, location.ErrFeedClosed) {
			return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
		}
		return err
	}

	h.logger.Debug("Location reading accepted", zap.String("address", reading.Address.Key()))
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"success": true,
		"address": reading.Address.Key(),
	})
}

// GetHealth handles GET /api/v1/health
func (h *Handler) GetHealth(c *fiber.Ctx) error {
	body := fiber.Map{
		"status":    "healthy",
		"timestamp": time.Now(),
		"uptime":    time.Since(startTime).String(),
		"stats":     h.regions.GetStats(),
	}
	if h.scheduler != nil {
		body["scheduler"] = h.scheduler.GetStatus()
	}
	return c.JSON(body)
}

// RunScheduler handles POST /api/v1/scheduler/run
func (h *Handler) RunScheduler(c *fiber.Ctx) error {
	if h.scheduler == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "Scheduler not configured")
	}

	h.logger.Info("Scheduled refresh requested")
	h.scheduler.ForceRun()
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"success":   true,
		"scheduler": h.scheduler.GetStatus(),
	})
}

func (h *Handler) parse(c *fiber.Ctx, out interface{}) error {
	if err := c.BodyParser(out); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	if err := h.validate.Struct(out); err != nil {
		return err
	}
	return nil
}

// storeWarning reports whether err only concerns the region store. The
// in-memory list is still authoritative in that case.
func storeWarning(err error) bool {
	return errors.Is(err, services.ErrPersist) || errors.Is(err, services.ErrLoad)
}

// respondWithRegions writes the current view after a full refresh. A store
// failure is reported as a warning because the in-memory state was committed.
func (h *Handler) respondWithRegions(c *fiber.Ctx, err error) error {
	if err != nil && (errors.Is(err, services.ErrBatchFailed) || !storeWarning(err)) {
		return err
	}

	regions := h.regions.Regions()
	body := fiber.Map{
		"success": true,
		"regions": regions,
		"count":   len(regions),
	}
	if err != nil {
		body["warning"] = err.Error()
	}
	return c.JSON(body)
}

var startTime = time.Now()
