package conductor

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"corrald/services/conductor/hardware"
	"corrald/services/conductor/hardware/fake"
	"corrald/services/conductor/internal/config"
	"corrald/services/conductor/internal/fsm"
	"corrald/services/conductor/internal/store"
	"corrald/services/conductor/ring"
)

// scriptedDeploy suspends deploy and clean steps until an agent payload
// arrives, mimicking the agent-backed driver without any infrastructure.
type scriptedDeploy struct {
	deadline time.Time

	mu     sync.Mutex
	tokens []string
}

func (s *scriptedDeploy) Validate(context.Context, *store.Node) error { return nil }

func (s *scriptedDeploy) step(params map[string]any) (hardware.Outcome, error) {
	if payload, ok := params[hardware.AgentPayloadKey]; ok {
		report, _ := payload.(map[string]any)
		if msg, _ := report["error"].(string); msg != "" {
			return hardware.Outcome{}, errors.New(msg)
		}
		return hardware.Complete(), nil
	}
	token := hardware.NewCallbackToken()
	s.mu.Lock()
	s.tokens = append(s.tokens, token)
	s.mu.Unlock()
	deadline := s.deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(time.Hour)
	}
	return hardware.WaitFor(token, deadline), nil
}

func (s *scriptedDeploy) Deploy(_ context.Context, _ *store.Node, params map[string]any) (hardware.Outcome, error) {
	return s.step(params)
}

func (s *scriptedDeploy) TearDown(context.Context, *store.Node) error { return nil }

func (s *scriptedDeploy) Clean(_ context.Context, _ *store.Node, params map[string]any) (hardware.Outcome, error) {
	return s.step(params)
}

func (s *scriptedDeploy) mintCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

// blockingDeploy holds its deploy step open until released.
type blockingDeploy struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingDeploy) Validate(context.Context, *store.Node) error { return nil }
func (b *blockingDeploy) Deploy(ctx context.Context, _ *store.Node, _ map[string]any) (hardware.Outcome, error) {
	b.started <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
		return hardware.Outcome{}, ctx.Err()
	}
	return hardware.Complete(), nil
}
func (b *blockingDeploy) TearDown(context.Context, *store.Node) error { return nil }
func (b *blockingDeploy) Clean(context.Context, *store.Node, map[string]any) (hardware.Outcome, error) {
	return hardware.Complete(), nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://unused")
	t.Setenv("CONDUCTOR_ID", "cond-test")
	t.Setenv("CONDUCTOR_WORKERS", "4")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

func testRegistry(t *testing.T, extraDeploy hardware.DeployInterface) *hardware.Registry {
	t.Helper()
	reg := hardware.NewRegistry()
	if err := fake.Register(reg); err != nil {
		t.Fatalf("register fake driver: %v", err)
	}
	if extraDeploy == nil {
		return reg
	}

	if err := reg.Register(hardware.Deploy, "scripted", extraDeploy); err != nil {
		t.Fatalf("register scripted deploy: %v", err)
	}
	defaults := map[hardware.InterfaceType]string{
		hardware.Power:  "fake",
		hardware.Boot:   "fake",
		hardware.Deploy: "scripted",
	}
	supported := map[hardware.InterfaceType][]string{
		hardware.Power:  {"fake"},
		hardware.Boot:   {"fake"},
		hardware.Deploy: {"scripted"},
	}
	if err := reg.RegisterDriver(hardware.Driver{
		Name:      "scripted-hardware",
		Defaults:  defaults,
		Supported: supported,
	}); err != nil {
		t.Fatalf("register scripted driver: %v", err)
	}
	return reg
}

func testConductor(t *testing.T, repo *memRepo, reg *hardware.Registry) *Conductor {
	t.Helper()
	c, err := New(testConfig(t), repo, reg, nil, nil, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new conductor: %v", err)
	}
	return c
}

func newNode(repo *memRepo, driver, state string) uuid.UUID {
	n := &store.Node{
		ID:             uuid.New(),
		Driver:         driver,
		ProvisionState: state,
	}
	repo.put(n)
	return n.ID
}

func waitForState(t *testing.T, repo *memRepo, id uuid.UUID, want fsm.State) *store.Node {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		n, err := repo.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get node: %v", err)
		}
		if fsm.State(n.ProvisionState) == want {
			return n
		}
		time.Sleep(5 * time.Millisecond)
	}
	n, _ := repo.Get(context.Background(), id)
	t.Fatalf("node never reached %q, stuck in %q (last_error=%q)", want, n.ProvisionState, n.LastError)
	return nil
}

func TestDispatchEnrollToManageable(t *testing.T) {
	repo := newMemRepo()
	c := testConductor(t, repo, testRegistry(t, nil))
	id := newNode(repo, fake.DriverName, string(fsm.Enroll))

	if err := c.Dispatch(context.Background(), id, fsm.EventManage, nil); err != nil {
		t.Fatalf("dispatch manage: %v", err)
	}

	n := waitForState(t, repo, id, fsm.Manageable)
	if n.Reservation != "" {
		t.Fatalf("reservation not cleared: %q", n.Reservation)
	}
	if n.PowerState != hardware.PowerOff {
		t.Fatalf("power state not recorded: %q", n.PowerState)
	}
	if n.TargetProvisionState != "" {
		t.Fatalf("target not cleared: %q", n.TargetProvisionState)
	}
	if n.ConductorAffinity != c.ID() {
		t.Fatalf("affinity = %q, want %q", n.ConductorAffinity, c.ID())
	}

	events := repo.historyFor(id)
	if len(events) < 2 {
		t.Fatalf("expected manage + done history, got %d entries", len(events))
	}
	if events[0].ToState != string(fsm.Verifying) || events[len(events)-1].ToState != string(fsm.Manageable) {
		t.Fatalf("unexpected history: %+v", events)
	}
}

func TestDispatchRejectsInvalidTransition(t *testing.T) {
	repo := newMemRepo()
	c := testConductor(t, repo, testRegistry(t, nil))
	id := newNode(repo, fake.DriverName, string(fsm.Enroll))

	err := c.Dispatch(context.Background(), id, fsm.EventDeploy, nil)
	if !errors.Is(err, fsm.ErrInvalidTransition) {
		t.Fatalf("err = %v, want invalid transition", err)
	}

	n, _ := repo.Get(context.Background(), id)
	if n.ProvisionState != string(fsm.Enroll) || n.Reservation != "" {
		t.Fatalf("node mutated by rejected dispatch: %+v", n)
	}
}

func TestDispatchRejectsUnmappedNode(t *testing.T) {
	repo := newMemRepo()
	c := testConductor(t, repo, testRegistry(t, nil))
	id := newNode(repo, fake.DriverName, string(fsm.Enroll))

	c.ring.Store(ring.New([]ring.Member{{ID: "cond-other", Drivers: []string{fake.DriverName}}}))

	if err := c.Dispatch(context.Background(), id, fsm.EventManage, nil); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("err = %v, want ErrNotOwner", err)
	}
}

func TestDeployWaitsForCallback(t *testing.T) {
	repo := newMemRepo()
	deploy := &scriptedDeploy{}
	c := testConductor(t, repo, testRegistry(t, deploy))
	id := newNode(repo, "scripted-hardware", string(fsm.Available))

	if err := c.Dispatch(context.Background(), id, fsm.EventDeploy, nil); err != nil {
		t.Fatalf("dispatch deploy: %v", err)
	}

	n := waitForState(t, repo, id, fsm.WaitCallBack)
	if n.AgentToken == "" || n.AgentDeadline == nil {
		t.Fatal("waiting node must carry a callback token and deadline")
	}
	if n.Reservation != "" {
		t.Fatalf("waiting node must hold no reservation, has %q", n.Reservation)
	}
	if n.TargetProvisionState != string(fsm.Active) {
		t.Fatalf("target = %q, want active", n.TargetProvisionState)
	}

	if err := c.HandleCallback(context.Background(), id, "bogus", nil); !errors.Is(err, ErrStaleToken) {
		t.Fatalf("bogus token err = %v, want ErrStaleToken", err)
	}

	if err := c.HandleCallback(context.Background(), id, n.AgentToken, map[string]any{"result": "ok"}); err != nil {
		t.Fatalf("callback: %v", err)
	}

	n = waitForState(t, repo, id, fsm.Active)
	if n.AgentToken != "" || n.AgentDeadline != nil {
		t.Fatal("token not cleared after resume")
	}
	if n.PowerState != hardware.PowerOn {
		t.Fatalf("power state = %q after deploy, want on", n.PowerState)
	}

	// A late duplicate callback is a no-op.
	if err := c.HandleCallback(context.Background(), id, "anything", nil); err != nil {
		t.Fatalf("duplicate callback must be ignored, got %v", err)
	}
}

func TestSuspendClampsDeadlineToCallbackTimeout(t *testing.T) {
	repo := newMemRepo()
	deploy := &scriptedDeploy{deadline: time.Now().Add(time.Hour)}
	t.Setenv("CONDUCTOR_DEPLOY_CALLBACK_TIMEOUT", "2m")
	c := testConductor(t, repo, testRegistry(t, deploy))
	id := newNode(repo, "scripted-hardware", string(fsm.Available))

	if err := c.Dispatch(context.Background(), id, fsm.EventDeploy, nil); err != nil {
		t.Fatalf("dispatch deploy: %v", err)
	}

	n := waitForState(t, repo, id, fsm.WaitCallBack)
	if n.AgentDeadline == nil {
		t.Fatal("waiting node must carry a deadline")
	}
	if n.AgentDeadline.After(time.Now().Add(3 * time.Minute)) {
		t.Fatalf("deadline %v ignores the configured callback timeout", n.AgentDeadline)
	}
}

func TestTransitionRetryRejectsRacedStateChange(t *testing.T) {
	repo := newMemRepo()
	c := testConductor(t, repo, testRegistry(t, nil))
	id := newNode(repo, fake.DriverName, string(fsm.Deploying))

	stale, err := repo.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	// A concurrent writer moves the node before the stale snapshot commits.
	racer, _ := repo.Get(context.Background(), id)
	if err := repo.Apply(context.Background(), racer, store.Patch{
		"provision_state": string(fsm.DeployFailed),
	}); err != nil {
		t.Fatalf("racing apply: %v", err)
	}

	err = c.applyTransition(context.Background(), stale, fsm.EventDone, fsm.Active, store.Patch{})
	if !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("err = %v, want version conflict", err)
	}
	n, _ := repo.Get(context.Background(), id)
	if n.ProvisionState != string(fsm.DeployFailed) {
		t.Fatalf("raced write overridden: node in %q", n.ProvisionState)
	}
}

func TestTransitionRetriesWhenSourceStateIntact(t *testing.T) {
	repo := newMemRepo()
	c := testConductor(t, repo, testRegistry(t, nil))
	id := newNode(repo, fake.DriverName, string(fsm.Deploying))

	stale, err := repo.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	// A concurrent write that leaves the provision state alone only bumps
	// the version; the transition re-reads and commits.
	racer, _ := repo.Get(context.Background(), id)
	if err := repo.Apply(context.Background(), racer, store.Patch{
		"power_state": hardware.PowerOn,
	}); err != nil {
		t.Fatalf("racing apply: %v", err)
	}

	if err := c.applyTransition(context.Background(), stale, fsm.EventDone, fsm.Active, store.Patch{}); err != nil {
		t.Fatalf("apply after benign race: %v", err)
	}
	n, _ := repo.Get(context.Background(), id)
	if n.ProvisionState != string(fsm.Active) {
		t.Fatalf("transition not committed: node in %q", n.ProvisionState)
	}
}

func TestCallbackFailureTakesFailureEdge(t *testing.T) {
	repo := newMemRepo()
	deploy := &scriptedDeploy{}
	c := testConductor(t, repo, testRegistry(t, deploy))
	id := newNode(repo, "scripted-hardware", string(fsm.Available))

	if err := c.Dispatch(context.Background(), id, fsm.EventDeploy, nil); err != nil {
		t.Fatalf("dispatch deploy: %v", err)
	}
	n := waitForState(t, repo, id, fsm.WaitCallBack)

	err := c.HandleCallback(context.Background(), id, n.AgentToken, map[string]any{"error": "image write failed"})
	if err != nil {
		t.Fatalf("callback: %v", err)
	}

	n = waitForState(t, repo, id, fsm.DeployFailed)
	if n.LastError == "" {
		t.Fatal("failure cause not recorded")
	}
}

func TestConcurrentDeploySingleWinner(t *testing.T) {
	repo := newMemRepo()
	deploy := &blockingDeploy{started: make(chan struct{}, 1), release: make(chan struct{})}
	c := testConductor(t, repo, testRegistry(t, deploy))
	id := newNode(repo, "scripted-hardware", string(fsm.Available))

	if err := c.Dispatch(context.Background(), id, fsm.EventDeploy, nil); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	<-deploy.started

	if err := c.Dispatch(context.Background(), id, fsm.EventDeploy, nil); !errors.Is(err, store.ErrNodeLocked) {
		t.Fatalf("second dispatch err = %v, want ErrNodeLocked", err)
	}

	close(deploy.release)
	waitForState(t, repo, id, fsm.Active)
}

func TestDeleteChainsIntoCleaning(t *testing.T) {
	repo := newMemRepo()
	c := testConductor(t, repo, testRegistry(t, nil))
	id := newNode(repo, fake.DriverName, string(fsm.Active))

	if err := c.Dispatch(context.Background(), id, fsm.EventDelete, nil); err != nil {
		t.Fatalf("dispatch delete: %v", err)
	}

	n := waitForState(t, repo, id, fsm.Available)
	if n.PowerState != hardware.PowerOff {
		t.Fatalf("power state = %q after delete, want off", n.PowerState)
	}

	var sawCleaning bool
	for _, e := range repo.historyFor(id) {
		if e.ToState == string(fsm.Cleaning) {
			sawCleaning = true
		}
	}
	if !sawCleaning {
		t.Fatal("delete must pass through cleaning before available")
	}
}

func TestManualCleanReturnsToManageable(t *testing.T) {
	repo := newMemRepo()
	c := testConductor(t, repo, testRegistry(t, nil))
	id := newNode(repo, fake.DriverName, string(fsm.Manageable))

	if err := c.Dispatch(context.Background(), id, fsm.EventClean, nil); err != nil {
		t.Fatalf("dispatch clean: %v", err)
	}
	waitForState(t, repo, id, fsm.Manageable)
}

func TestAbortFromWaitState(t *testing.T) {
	repo := newMemRepo()
	deploy := &scriptedDeploy{}
	c := testConductor(t, repo, testRegistry(t, deploy))
	id := newNode(repo, "scripted-hardware", string(fsm.Available))

	if err := c.Dispatch(context.Background(), id, fsm.EventDeploy, nil); err != nil {
		t.Fatalf("dispatch deploy: %v", err)
	}
	waitForState(t, repo, id, fsm.WaitCallBack)

	if err := c.Dispatch(context.Background(), id, fsm.EventAbort, nil); err != nil {
		t.Fatalf("abort: %v", err)
	}
	n := waitForState(t, repo, id, fsm.DeployFailed)
	if n.AgentToken != "" {
		t.Fatal("abort must clear the callback token")
	}
}
