package energy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/PetoAdam/homenavi/power-scheduler/internal/cloud"
	"github.com/PetoAdam/homenavi/power-scheduler/internal/model"
	"github.com/PetoAdam/homenavi/power-scheduler/internal/store"
	"github.com/google/uuid"
)

type fakeDevices []model.Device

func (f fakeDevices) ListCloudDevices(context.Context) ([]model.Device, error) { return f, nil }

type fakeUsage struct {
	series map[string]cloud.UsageSeries
}

func (f *fakeUsage) GetEnergyUsage(_ context.Context, id, metric string, g cloud.Granularity, _, _ time.Time) (cloud.UsageSeries, error) {
	s, ok := f.series[id]
	if !ok {
		return cloud.UsageSeries{}, &cloud.CommandRejected{Op: "energy_usage", Code: 2001, Msg: "device offline"}
	}
	s.Metric = metric
	s.Granularity = g
	return s, nil
}

type fakeSamples struct {
	saved []store.EnergySample
}

func (f *fakeSamples) SaveEnergySamples(_ context.Context, s []store.EnergySample) error {
	f.saved = append(f.saved, s...)
	return nil
}

var (
	rangeStart = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	rangeEnd   = time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC)
)

func TestCollectDefaultsFailedDevicesToZero(t *testing.T) {
	devs := fakeDevices{
		{ID: uuid.New(), Connector: model.ConnectorCloud, ConnectorDeviceID: "a"},
		{ID: uuid.New(), Connector: model.ConnectorCloud, ConnectorDeviceID: "b"},
	}
	usage := &fakeUsage{series: map[string]cloud.UsageSeries{
		"a": {DeviceID: "a", Total: 3.5, Points: []cloud.UsagePoint{{Bucket: "20240301", Value: 1.5}, {Bucket: "20240302", Value: 2}}},
	}}
	samples := &fakeSamples{}
	c := NewCollector(devs, usage, samples)

	sum, err := c.Collect(context.Background(), Request{Granularity: "day", Start: rangeStart, End: rangeEnd})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if sum.Total != 3.5 {
		t.Fatalf("expected total 3.5, got %v", sum.Total)
	}
	if len(sum.Failed) != 1 || sum.Failed[0].DeviceID != devs[1].ID {
		t.Fatalf("expected device b listed as failed, got %+v", sum.Failed)
	}
	if sum.Devices[1].Total != 0 {
		t.Fatalf("expected failed device total 0, got %v", sum.Devices[1].Total)
	}
	if sum.Metric != "electricity" {
		t.Fatalf("expected default metric, got %q", sum.Metric)
	}
	if len(samples.saved) != 2 || samples.saved[0].DeviceID != devs[0].ID {
		t.Fatalf("expected 2 samples for device a, got %+v", samples.saved)
	}
}

func TestCollectValidatesRequest(t *testing.T) {
	c := NewCollector(fakeDevices{}, &fakeUsage{}, nil)
	if _, err := c.Collect(context.Background(), Request{Granularity: "week", Start: rangeStart, End: rangeEnd}); err == nil {
		t.Fatalf("expected granularity error")
	}
	if _, err := c.Collect(context.Background(), Request{Start: rangeEnd, End: rangeStart}); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
}
