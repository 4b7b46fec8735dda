package energy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/PetoAdam/homenavi/power-scheduler/internal/cloud"
	"github.com/PetoAdam/homenavi/power-scheduler/internal/model"
	"github.com/PetoAdam/homenavi/power-scheduler/internal/observability"
	"github.com/PetoAdam/homenavi/power-scheduler/internal/store"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var ErrInvalidRange = errors.New("energy range start must be before end")

type DeviceLister interface {
	ListCloudDevices(ctx context.Context) ([]model.Device, error)
}

type UsageSource interface {
	GetEnergyUsage(ctx context.Context, deviceID, metric string, g cloud.Granularity, start, end time.Time) (cloud.UsageSeries, error)
}

type SampleStore interface {
	SaveEnergySamples(ctx context.Context, samples []store.EnergySample) error
}

type Request struct {
	Metric      string    `json:"metric"`
	Granularity string    `json:"granularity"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

type DeviceUsage struct {
	DeviceID          uuid.UUID          `json:"device_id"`
	ConnectorDeviceID string             `json:"connector_device_id"`
	Total             float64            `json:"total"`
	Points            []cloud.UsagePoint `json:"points"`
}

type FailedDevice struct {
	DeviceID uuid.UUID `json:"device_id"`
	Error    string    `json:"error"`
}

// Summary is the aggregate of one collection run. Failed devices count as zero.
type Summary struct {
	Metric      string         `json:"metric"`
	Granularity string         `json:"granularity"`
	Start       time.Time      `json:"start"`
	End         time.Time      `json:"end"`
	Total       float64        `json:"total"`
	Devices     []DeviceUsage  `json:"devices"`
	Failed      []FailedDevice `json:"failed"`
}

type Collector struct {
	devices DeviceLister
	usage   UsageSource
	samples SampleStore
	workers int
	now     func() time.Time
}

func NewCollector(devices DeviceLister, usage UsageSource, samples SampleStore) *Collector {
	return &Collector{devices: devices, usage: usage, samples: samples, workers: 4, now: time.Now}
}

func (c *Collector) Collect(ctx context.Context, req Request) (Summary, error) {
	g, err := cloud.ParseGranularity(req.Granularity)
	if err != nil {
		return Summary{}, err
	}
	if !req.Start.Before(req.End) {
		return Summary{}, ErrInvalidRange
	}
	metric := strings.TrimSpace(req.Metric)
	if metric == "" {
		metric = "electricity"
	}

	devices, err := c.devices.ListCloudDevices(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list cloud devices: %w", err)
	}

	sum := Summary{Metric: metric, Granularity: string(g), Start: req.Start.UTC(), End: req.End.UTC(), Devices: make([]DeviceUsage, len(devices))}
	var (
		mu      sync.Mutex
		samples []store.EnergySample
		eg      errgroup.Group
	)
	failed := make([]error, len(devices))
	collectedAt := c.now().UTC()
	eg.SetLimit(c.workers)
	for i, d := range devices {
		i, d := i, d
		eg.Go(func() error {
			usage := DeviceUsage{DeviceID: d.ID, ConnectorDeviceID: d.ConnectorDeviceID}
			series, err := c.usage.GetEnergyUsage(ctx, d.ConnectorDeviceID, metric, g, req.Start, req.End)
			if err != nil {
				slog.Warn("energy usage fetch failed", "device_id", d.ID, "error", err)
				failed[i] = err
				sum.Devices[i] = usage
				return nil
			}
			usage.Total = series.Total
			usage.Points = series.Points
			sum.Devices[i] = usage

			mu.Lock()
			for _, p := range series.Points {
				samples = append(samples, store.EnergySample{
					DeviceID:          d.ID,
					ConnectorDeviceID: d.ConnectorDeviceID,
					Metric:            metric,
					Granularity:       string(g),
					Bucket:            p.Bucket,
					Value:             p.Value,
					CollectedAt:       collectedAt,
				})
			}
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()

	for i, u := range sum.Devices {
		sum.Total += u.Total
		if failed[i] != nil {
			sum.Failed = append(sum.Failed, FailedDevice{DeviceID: u.DeviceID, Error: failed[i].Error()})
		}
	}

	if c.samples != nil && len(samples) > 0 {
		if err := c.samples.SaveEnergySamples(ctx, samples); err != nil {
			return sum, fmt.Errorf("save energy samples: %w", err)
		}
		observability.RecordEnergySamples(ctx, metric, len(samples))
	}
	slog.Info("energy collected", "metric", metric, "granularity", g, "devices", len(devices), "failed", len(sum.Failed), "total", sum.Total)
	return sum, nil
}
