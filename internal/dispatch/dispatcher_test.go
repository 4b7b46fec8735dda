package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/PetoAdam/homenavi/power-scheduler/internal/cloud"
	"github.com/PetoAdam/homenavi/power-scheduler/internal/devicelink"
	"github.com/PetoAdam/homenavi/power-scheduler/internal/model"
	"github.com/google/uuid"
)

type fakeSchedules struct {
	list []model.Schedule
	err  error
}

func (f *fakeSchedules) ListActive(_ context.Context, _ time.Time) ([]model.Schedule, error) {
	return f.list, f.err
}

type fakeDirectory struct {
	devices map[uuid.UUID]model.Device
}

func (f *fakeDirectory) GetDevice(_ context.Context, ownerID string, id uuid.UUID) (model.Device, error) {
	d, ok := f.devices[id]
	if !ok || d.OwnerID != ownerID {
		return model.Device{}, model.ErrDeviceNotFound
	}
	return d, nil
}

type cloudCall struct {
	op    string
	id    string
	value int
}

type fakeCloud struct {
	mu    sync.Mutex
	calls []cloudCall
	fail  map[string]error
	block chan struct{}
}

func (f *fakeCloud) record(op, id string, v int) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cloudCall{op, id, v})
	return f.fail[id]
}

func (f *fakeCloud) SetPower(_ context.Context, id string, on bool) (cloud.Ack, error) {
	v := 0
	if on {
		v = 1
	}
	if err := f.record("set_power", id, v); err != nil {
		return cloud.Ack{}, err
	}
	return cloud.Ack{Result: true}, nil
}

func (f *fakeCloud) Freeze(_ context.Context, id string, state int) (cloud.Ack, error) {
	if err := f.record("freeze", id, state); err != nil {
		return cloud.Ack{}, err
	}
	return cloud.Ack{Result: true}, nil
}

func (f *fakeCloud) callsFor(id string) []cloudCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []cloudCall
	for _, c := range f.calls {
		if c.id == id {
			out = append(out, c)
		}
	}
	return out
}

type fakeLink struct {
	mu   sync.Mutex
	seqs map[uuid.UUID]uint16
	err  error
}

func (f *fakeLink) Send(_ context.Context, d model.Device, _ model.PowerState) (uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.seqs[d.ID]++
	return f.seqs[d.ID], nil
}

type fakeRecorder struct {
	mu   sync.Mutex
	reps []model.TickReport
}

func (f *fakeRecorder) SaveTickReport(_ context.Context, rep model.TickReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reps = append(f.reps, rep)
	return nil
}

type fakeGuard struct {
	held     bool
	released int
}

func (f *fakeGuard) Acquire(_ context.Context, _ time.Time) (func(), bool, error) {
	if f.held {
		return nil, false, nil
	}
	return func() { f.released++ }, true, nil
}

var tickNow = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func cloudDevices(n int) ([]uuid.UUID, map[uuid.UUID]model.Device) {
	ids := make([]uuid.UUID, n)
	devs := map[uuid.UUID]model.Device{}
	for i := range ids {
		ids[i] = uuid.New()
		devs[ids[i]] = model.Device{ID: ids[i], OwnerID: "alice", Connector: model.ConnectorCloud, ConnectorDeviceID: fmt.Sprintf("vdev%d", i)}
	}
	return ids, devs
}

func startingSoon(ids ...uuid.UUID) model.Schedule {
	return model.Schedule{ID: uuid.New(), OwnerID: "alice", StartTime: tickNow.Add(90 * time.Second), EndTime: tickNow.Add(time.Hour), DeviceIDs: ids}
}

func TestRunTickIsolatesDeviceFailure(t *testing.T) {
	ids, devs := cloudDevices(5)
	cl := &fakeCloud{fail: map[string]error{"vdev2": &cloud.CommandRejected{Op: "set_power", Code: 2008, Msg: "device offline"}}}
	d := New(Options{
		Schedules: &fakeSchedules{list: []model.Schedule{startingSoon(ids...)}},
		Devices:   &fakeDirectory{devices: devs},
		Cloud:     cl,
		Workers:   2,
	})

	rep, err := d.RunTick(context.Background(), tickNow)
	if err != nil {
		t.Fatalf("run tick: %v", err)
	}
	if len(rep.Applied) != 4 || len(rep.Failed) != 1 {
		t.Fatalf("expected 4 applied and 1 failed, got %d/%d", len(rep.Applied), len(rep.Failed))
	}
	if rep.Failed[0].DeviceID != ids[2] || rep.Failed[0].Class != model.ClassRejected {
		t.Fatalf("unexpected failed entry %+v", rep.Failed[0])
	}
	for i, e := range rep.Applied {
		if e.Target != model.PowerOn {
			t.Fatalf("applied %d: expected on, got %s", i, e.Target)
		}
	}
	if len(cl.calls) != 5 {
		t.Fatalf("expected every device attempted, got %d calls", len(cl.calls))
	}
}

func TestRunTickSkipsUnresolvableDevices(t *testing.T) {
	ids, devs := cloudDevices(3)
	noConn := devs[ids[0]]
	noConn.Connector = model.ConnectorNone
	devs[ids[0]] = noConn
	emptyID := devs[ids[1]]
	emptyID.ConnectorDeviceID = ""
	devs[ids[1]] = emptyID
	unknown := uuid.New()

	cl := &fakeCloud{}
	d := New(Options{
		Schedules: &fakeSchedules{list: []model.Schedule{startingSoon(ids[0], ids[1], ids[2], unknown)}},
		Devices:   &fakeDirectory{devices: devs},
		Cloud:     cl,
	})
	rep, err := d.RunTick(context.Background(), tickNow)
	if err != nil {
		t.Fatalf("run tick: %v", err)
	}
	if len(rep.Skipped) != 3 || len(rep.Applied) != 1 || len(rep.Failed) != 0 {
		t.Fatalf("expected 3 skipped and 1 applied, got %d/%d/%d", len(rep.Skipped), len(rep.Applied), len(rep.Failed))
	}
	for _, e := range rep.Skipped {
		if e.Class != model.ClassMisconfigured {
			t.Fatalf("expected misconfigured class, got %+v", e)
		}
	}
	if len(cl.calls) != 1 {
		t.Fatalf("expected only the resolvable device called, got %d", len(cl.calls))
	}
}

func TestRunTickCollapsesDuplicatePairs(t *testing.T) {
	ids, devs := cloudDevices(2)
	cl := &fakeCloud{}
	d := New(Options{
		Schedules: &fakeSchedules{list: []model.Schedule{startingSoon(ids...), startingSoon(ids[0])}},
		Devices:   &fakeDirectory{devices: devs},
		Cloud:     cl,
	})
	rep, err := d.RunTick(context.Background(), tickNow)
	if err != nil {
		t.Fatalf("run tick: %v", err)
	}
	if rep.Deduplicated != 1 || len(rep.Applied) != 2 {
		t.Fatalf("expected 1 deduplicated and 2 applied, got %d/%d", rep.Deduplicated, len(rep.Applied))
	}
	if got := cl.callsFor("vdev0"); len(got) != 1 {
		t.Fatalf("expected one call for vdev0, got %d", len(got))
	}
}

func TestRunTickRoutesByConnector(t *testing.T) {
	legacy, link := uuid.New(), uuid.New()
	devs := map[uuid.UUID]model.Device{
		legacy: {ID: legacy, OwnerID: "alice", Connector: model.ConnectorCloudLegacy, ConnectorDeviceID: "old1"},
		link:   {ID: link, OwnerID: "alice", Connector: model.ConnectorLink, ConnectorDeviceID: "plug"},
	}
	s := model.Schedule{ID: uuid.New(), OwnerID: "alice", StartTime: tickNow.Add(-time.Hour), EndTime: tickNow.Add(2 * time.Minute), DeviceIDs: []uuid.UUID{legacy, link}}
	cl := &fakeCloud{}
	lk := &fakeLink{seqs: map[uuid.UUID]uint16{link: 9}}
	d := New(Options{
		Schedules: &fakeSchedules{list: []model.Schedule{s}},
		Devices:   &fakeDirectory{devices: devs},
		Cloud:     cl,
		Link:      lk,
		Lookahead: 2 * time.Minute,
	})
	rep, err := d.RunTick(context.Background(), tickNow)
	if err != nil {
		t.Fatalf("run tick: %v", err)
	}
	if len(rep.Applied) != 2 {
		t.Fatalf("expected 2 applied, got %+v", rep)
	}
	calls := cl.callsFor("old1")
	if len(calls) != 1 || calls[0].op != "freeze" || calls[0].value != 0 {
		t.Fatalf("expected freeze state 0 for legacy device, got %+v", calls)
	}
	if rep.Applied[1].Sequence == nil || *rep.Applied[1].Sequence != 10 {
		t.Fatalf("expected link sequence 10 in report, got %+v", rep.Applied[1])
	}
}

func TestRunTickLinkFailureIsUnreachable(t *testing.T) {
	link := uuid.New()
	devs := map[uuid.UUID]model.Device{link: {ID: link, OwnerID: "alice", Connector: model.ConnectorLink, ConnectorDeviceID: "plug"}}
	lk := &fakeLink{seqs: map[uuid.UUID]uint16{}, err: &devicelink.TransportError{Topic: "/devices/plug/command", Err: errors.New("not connected")}}
	d := New(Options{
		Schedules: &fakeSchedules{list: []model.Schedule{startingSoon(link)}},
		Devices:   &fakeDirectory{devices: devs},
		Link:      lk,
	})
	rep, err := d.RunTick(context.Background(), tickNow)
	if err != nil {
		t.Fatalf("run tick: %v", err)
	}
	if len(rep.Failed) != 1 || rep.Failed[0].Class != model.ClassUnreachable {
		t.Fatalf("expected one unreachable failure, got %+v", rep.Failed)
	}
}

func TestRunTickStoreFailureFailsTick(t *testing.T) {
	guard := &fakeGuard{}
	d := New(Options{Schedules: &fakeSchedules{err: errors.New("db down")}, Devices: &fakeDirectory{}, Guard: guard})
	if _, err := d.RunTick(context.Background(), tickNow); err == nil {
		t.Fatalf("expected tick error")
	}
	if guard.released != 1 {
		t.Fatalf("expected lease released after failed tick, got %d", guard.released)
	}
}

func TestRunTickHeldLease(t *testing.T) {
	d := New(Options{Schedules: &fakeSchedules{}, Devices: &fakeDirectory{}, Guard: &fakeGuard{held: true}})
	if _, err := d.RunTick(context.Background(), tickNow); !errors.Is(err, ErrTickHeld) {
		t.Fatalf("expected ErrTickHeld, got %v", err)
	}
}

func TestRunTickCancelledBeforeStart(t *testing.T) {
	ids, devs := cloudDevices(3)
	cl := &fakeCloud{}
	d := New(Options{
		Schedules: &fakeSchedules{list: []model.Schedule{startingSoon(ids...)}},
		Devices:   &fakeDirectory{devices: devs},
		Cloud:     cl,
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep, err := d.RunTick(ctx, tickNow)
	if err != nil {
		t.Fatalf("run tick: %v", err)
	}
	if len(rep.Skipped) != 3 {
		t.Fatalf("expected 3 skipped, got %d", len(rep.Skipped))
	}
	if rep.Skipped[0].Reason != "tick cancelled" {
		t.Fatalf("unexpected reason %q", rep.Skipped[0].Reason)
	}
	if len(cl.calls) != 0 {
		t.Fatalf("expected no cloud calls, got %d", len(cl.calls))
	}
}

func TestRunTickScenarioOnThenOff(t *testing.T) {
	ids, devs := cloudDevices(1)
	start := time.Date(2024, 3, 1, 10, 1, 0, 0, time.UTC)
	s := model.Schedule{ID: uuid.New(), OwnerID: "alice", StartTime: start, EndTime: start.Add(10 * time.Minute), DeviceIDs: ids}
	cl := &fakeCloud{}
	rec := &fakeRecorder{}
	hub := NewReportHub(5)
	sub, cancel := hub.Subscribe()
	defer cancel()

	d := New(Options{
		Schedules: &fakeSchedules{list: []model.Schedule{s}},
		Devices:   &fakeDirectory{devices: devs},
		Cloud:     cl,
		Recorder:  rec,
		Hub:       hub,
		Lookahead: 2 * time.Minute,
	})
	for tick := start.Add(-time.Minute); !tick.After(start.Add(10 * time.Minute)); tick = tick.Add(time.Minute) {
		if _, err := d.RunTick(context.Background(), tick); err != nil {
			t.Fatalf("tick %s: %v", tick, err)
		}
	}
	calls := cl.callsFor("vdev0")
	if len(calls) != 2 || calls[0].value != 1 || calls[1].value != 0 {
		t.Fatalf("expected on then off, got %+v", calls)
	}
	if len(rec.reps) != 12 {
		t.Fatalf("expected 12 recorded ticks, got %d", len(rec.reps))
	}
	first := <-sub
	if !first.Now.Equal(start.Add(-time.Minute)) {
		t.Fatalf("expected first streamed report for first tick, got %s", first.Now)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want model.ErrorClass
	}{
		{&cloud.TokenFetchError{Code: 1004, Msg: "sign invalid"}, model.ClassCredentials},
		{&cloud.TokenFetchError{Err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}}, model.ClassUnreachable},
		{&cloud.TokenFetchError{Err: fmt.Errorf("get token: %w", context.DeadlineExceeded)}, model.ClassUnreachable},
		{model.ErrInvalidWindow, model.ClassMisconfigured},
		{&cloud.CommandRejected{Code: 1010}, model.ClassCredentials},
		{&cloud.CommandRejected{Code: 2008}, model.ClassRejected},
		{&devicelink.TransportError{Err: errors.New("x")}, model.ClassUnreachable},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), model.ClassUnreachable},
		{&DeviceUnresolvable{Reason: "no connector"}, model.ClassMisconfigured},
		{cloud.ErrInvalidFreezeState, model.ClassMisconfigured},
		{&cloud.SigningError{Err: errors.New("bad json")}, model.ClassInternal},
		{errors.New("boom"), model.ClassInternal},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Fatalf("%v: expected %s, got %s", c.err, c.want, got)
		}
	}
}

// serialCloud tracks how many calls are in flight per device.
type serialCloud struct {
	mu       sync.Mutex
	inFlight map[string]int
	peak     map[string]int
	values   map[string][]bool
}

func (c *serialCloud) SetPower(_ context.Context, id string, on bool) (cloud.Ack, error) {
	c.mu.Lock()
	c.inFlight[id]++
	if c.inFlight[id] > c.peak[id] {
		c.peak[id] = c.inFlight[id]
	}
	c.mu.Unlock()

	time.Sleep(30 * time.Millisecond)

	c.mu.Lock()
	c.inFlight[id]--
	c.values[id] = append(c.values[id], on)
	c.mu.Unlock()
	return cloud.Ack{Result: true}, nil
}

func (c *serialCloud) Freeze(context.Context, string, int) (cloud.Ack, error) {
	return cloud.Ack{Result: true}, nil
}

func TestRunTickSerializesTransitionsPerDevice(t *testing.T) {
	ids, devs := cloudDevices(2)
	ending := model.Schedule{ID: uuid.New(), OwnerID: "alice", StartTime: tickNow.Add(-time.Hour), EndTime: tickNow.Add(2 * time.Minute), DeviceIDs: ids[:1]}
	next := startingSoon(ids...)
	cl := &serialCloud{inFlight: map[string]int{}, peak: map[string]int{}, values: map[string][]bool{}}
	d := New(Options{
		Schedules: &fakeSchedules{list: []model.Schedule{ending, next}},
		Devices:   &fakeDirectory{devices: devs},
		Cloud:     cl,
		Workers:   4,
		Lookahead: 2 * time.Minute,
	})

	rep, err := d.RunTick(context.Background(), tickNow)
	if err != nil {
		t.Fatalf("run tick: %v", err)
	}
	if len(rep.Applied) != 3 {
		t.Fatalf("expected 3 applied, got %+v", rep)
	}
	if cl.peak["vdev0"] != 1 {
		t.Fatalf("expected at most one call in flight for vdev0, got %d", cl.peak["vdev0"])
	}
	got := cl.values["vdev0"]
	if len(got) != 2 || got[0] || !got[1] {
		t.Fatalf("expected off then on for vdev0, got %v", got)
	}
	if rep.Applied[0].Target != model.PowerOff || rep.Applied[1].Target != model.PowerOn {
		t.Fatalf("expected report in evaluator order, got %+v", rep.Applied)
	}
}

func TestRunTickSkipsInvalidScheduleWindow(t *testing.T) {
	ids, devs := cloudDevices(2)
	broken := model.Schedule{ID: uuid.New(), OwnerID: "alice", StartTime: tickNow.Add(90 * time.Second), EndTime: tickNow.Add(90 * time.Second), DeviceIDs: ids[:1]}
	cl := &fakeCloud{}
	d := New(Options{
		Schedules: &fakeSchedules{list: []model.Schedule{broken, startingSoon(ids[1])}},
		Devices:   &fakeDirectory{devices: devs},
		Cloud:     cl,
	})
	rep, err := d.RunTick(context.Background(), tickNow)
	if err != nil {
		t.Fatalf("run tick: %v", err)
	}
	if len(rep.Skipped) != 1 || len(rep.Applied) != 1 {
		t.Fatalf("expected 1 skipped and 1 applied, got %d/%d", len(rep.Skipped), len(rep.Applied))
	}
	sk := rep.Skipped[0]
	if sk.ScheduleID != broken.ID || sk.DeviceID != ids[0] || sk.Class != model.ClassMisconfigured {
		t.Fatalf("unexpected skipped entry %+v", sk)
	}
	if len(cl.callsFor("vdev0")) != 0 {
		t.Fatalf("expected no call for device of invalid schedule")
	}
}

type unsavedLink struct{}

func (unsavedLink) Send(context.Context, model.Device, model.PowerState) (uint16, error) {
	return 8, &devicelink.SequenceNotPersisted{Sequence: 8, Err: errors.New("db gone")}
}

func TestRunTickLinkSentButNotPersisted(t *testing.T) {
	link := uuid.New()
	devs := map[uuid.UUID]model.Device{link: {ID: link, OwnerID: "alice", Connector: model.ConnectorLink, ConnectorDeviceID: "plug"}}
	d := New(Options{
		Schedules: &fakeSchedules{list: []model.Schedule{startingSoon(link)}},
		Devices:   &fakeDirectory{devices: devs},
		Link:      unsavedLink{},
	})
	rep, err := d.RunTick(context.Background(), tickNow)
	if err != nil {
		t.Fatalf("run tick: %v", err)
	}
	if len(rep.Applied) != 1 || len(rep.Failed) != 0 {
		t.Fatalf("expected the sent command reported applied, got %+v", rep)
	}
	e := rep.Applied[0]
	if e.Reason != "sent, sequence not persisted" || e.Error == "" || e.Sequence == nil || *e.Sequence != 8 {
		t.Fatalf("unexpected entry %+v", e)
	}
}
