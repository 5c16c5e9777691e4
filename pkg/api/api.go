package api

import (
	"context"
	"errors"
	"time"

	"github.com/fako1024/btfitscale/pkg/etekcity"
	"github.com/fako1024/btfitscale/pkg/etekcity/unit"
	"github.com/fako1024/btfitscale/pkg/scale"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const defaultUnitTimeout = 10 * time.Second

// API denotes a REST API for a scale
type API struct {
	scale       scale.Scale
	router      *fiber.App
	unitTimeout time.Duration
}

// Status denotes the session status as served by the API
type Status struct {
	State        string  `json:"state"`
	Error        string  `json:"error,omitempty"`
	ConnectedFor float64 `json:"connected_for_seconds"`
	DisplayUnit  string  `json:"display_unit"`
	HWVersion    string  `json:"hw_version,omitempty"`
	SWVersion    string  `json:"sw_version,omitempty"`
}

// Measurement denotes a finalized measurement as served by the API
type Measurement struct {
	ID           uuid.UUID          `json:"id"`
	TimeStamp    time.Time          `json:"timestamp"`
	Name         string             `json:"name,omitempty"`
	Address      string             `json:"address,omitempty"`
	DisplayUnit  string             `json:"display_unit"`
	Measurements map[string]float64 `json:"measurements"`
}

// New instantiates a new API, executing functional options, if any
func New(s scale.Scale, options ...func(*API)) *API {

	api := &API{
		scale: s,
		router: fiber.New(fiber.Config{
			DisableStartupMessage: true,
		}),
		unitTimeout: defaultUnitTimeout,
	}

	// Execute functional options (if any)
	for _, option := range options {
		option(api)
	}

	// Setup routes
	api.router.Get("/status", api.handleStatus())
	api.router.Get("/measurement", api.handleMeasurement())
	api.router.Put("/unit/:unit", api.handleSetUnit())

	return api
}

// WithUnitTimeout sets how long a display unit change may take at most
func WithUnitTimeout(timeout time.Duration) func(*API) {
	return func(api *API) {
		api.unitTimeout = timeout
	}
}

// Listen serves the API on the given endpoint (blocking)
func (api *API) Listen(endpoint string) error {
	return api.router.Listen(endpoint)
}

// Shutdown gracefully stops serving the API
func (api *API) Shutdown() error {
	return api.router.Shutdown()
}

func (api *API) handleStatus() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		status := api.scale.ConnectionStatus()

		res := Status{
			State:        status.State.String(),
			ConnectedFor: api.scale.ConnectedFor().Seconds(),
			DisplayUnit:  api.scale.DisplayUnit().String(),
		}
		if status.Error != nil {
			res.Error = status.Error.Error()
		}
		res.HWVersion, _ = api.scale.HWVersion()
		res.SWVersion, _ = api.scale.SWVersion()

		return c.JSON(res)
	}
}

func (api *API) handleMeasurement() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		data, ok := api.scale.LastMeasurement()
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "no measurement available")
		}

		return c.JSON(Measurement{
			ID:           data.ID,
			TimeStamp:    data.TimeStamp,
			Name:         data.Name,
			Address:      data.Address,
			DisplayUnit:  data.DisplayUnit.String(),
			Measurements: data.Measurements,
		})
	}
}

func (api *API) handleSetUnit() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		u, err := scale.ParseWeightUnit(c.Params("unit"))
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		ctx, cancel := context.WithTimeout(c.UserContext(), api.unitTimeout)
		defer cancel()

		if err := api.scale.SetDisplayUnit(ctx, u); err != nil {
			return fiber.NewError(statusCode(err), err.Error())
		}

		return c.SendStatus(fiber.StatusNoContent)
	}
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, etekcity.ErrUnsupported):
		return fiber.StatusConflict
	case errors.Is(err, etekcity.ErrNotConnected):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, unit.ErrAckTimeout), errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	}

	return fiber.StatusInternalServerError
}
