package conductor

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"corrald/services/conductor/hardware"
	"corrald/services/conductor/hardware/fake"
	"corrald/services/conductor/internal/fsm"
	"corrald/services/conductor/internal/store"
	"corrald/services/conductor/internal/task"
)

func TestSweepReapsExpiredLease(t *testing.T) {
	repo := newMemRepo()
	c := testConductor(t, repo, testRegistry(t, nil))

	expired := time.Now().Add(-time.Minute)
	n := &store.Node{
		ID:                   uuid.New(),
		Driver:               fake.DriverName,
		ProvisionState:       string(fsm.Deploying),
		TargetProvisionState: string(fsm.Active),
		Reservation:          "cond-dead",
		LeaseExpiresAt:       &expired,
	}
	repo.put(n)

	c.sweepOnce(context.Background())

	got := waitForState(t, repo, n.ID, fsm.DeployFailed)
	if got.Reservation != "" {
		t.Fatalf("reservation not reaped: %q", got.Reservation)
	}
	if got.LastError == "" {
		t.Fatal("failure cause not recorded after reap")
	}
}

func TestSweepReapsOwnExpiredLease(t *testing.T) {
	repo := newMemRepo()
	c := testConductor(t, repo, testRegistry(t, nil))

	// A crash-restart leaves a reservation under this conductor's own id
	// with no in-process holder. The sweep must reap it like any other.
	expired := time.Now().Add(-time.Minute)
	n := &store.Node{
		ID:                   uuid.New(),
		Driver:               fake.DriverName,
		ProvisionState:       string(fsm.Deploying),
		TargetProvisionState: string(fsm.Active),
		Reservation:          c.ID(),
		LeaseExpiresAt:       &expired,
	}
	repo.put(n)

	c.sweepOnce(context.Background())

	got := waitForState(t, repo, n.ID, fsm.DeployFailed)
	if got.Reservation != "" {
		t.Fatalf("own stale reservation not reaped: %q", got.Reservation)
	}
	if got.LastError == "" {
		t.Fatal("failure cause not recorded after reap")
	}
}

func TestSweepSkipsLeaseHeldInProcess(t *testing.T) {
	repo := newMemRepo()
	c := testConductor(t, repo, testRegistry(t, nil))

	n := &store.Node{
		ID:             uuid.New(),
		Driver:         fake.DriverName,
		ProvisionState: string(fsm.Deploying),
	}
	repo.put(n)

	held, err := c.tasks.Acquire(context.Background(), n.ID, task.Exclusive)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer held.Release(context.Background())

	// Force the lease past expiry behind the holder's back. The in-process
	// holder still protects the node from its own conductor's sweep.
	expired := time.Now().Add(-time.Minute)
	repo.mu.Lock()
	repo.nodes[n.ID].LeaseExpiresAt = &expired
	repo.mu.Unlock()

	c.sweepOnce(context.Background())

	got, _ := repo.Get(context.Background(), n.ID)
	if got.Reservation != c.ID() || got.ProvisionState != string(fsm.Deploying) {
		t.Fatalf("held lease reaped: %+v", got)
	}
}

func TestSweepSkipsLiveLease(t *testing.T) {
	repo := newMemRepo()
	c := testConductor(t, repo, testRegistry(t, nil))

	live := time.Now().Add(time.Minute)
	n := &store.Node{
		ID:             uuid.New(),
		Driver:         fake.DriverName,
		ProvisionState: string(fsm.Deploying),
		Reservation:    "cond-other",
		LeaseExpiresAt: &live,
	}
	repo.put(n)

	c.sweepOnce(context.Background())

	got, _ := repo.Get(context.Background(), n.ID)
	if got.Reservation != "cond-other" || got.ProvisionState != string(fsm.Deploying) {
		t.Fatalf("live lease disturbed: %+v", got)
	}
}

func TestSweepFailsCleanWaitWithoutBudget(t *testing.T) {
	repo := newMemRepo()
	c := testConductor(t, repo, testRegistry(t, nil))

	past := time.Now().Add(-time.Minute)
	n := &store.Node{
		ID:             uuid.New(),
		Driver:         fake.DriverName,
		ProvisionState: string(fsm.CleanWait),
		AgentToken:     "tok",
		AgentDeadline:  &past,
	}
	repo.put(n)

	c.sweepOnce(context.Background())

	got := waitForState(t, repo, n.ID, fsm.CleanFailed)
	if got.AgentToken != "" {
		t.Fatal("token not cleared on timeout")
	}
}

func TestSweepRetriesDeployWaitWithinBudget(t *testing.T) {
	repo := newMemRepo()
	deploy := &scriptedDeploy{}
	c := testConductor(t, repo, testRegistry(t, deploy))

	past := time.Now().Add(-time.Minute)
	n := &store.Node{
		ID:                   uuid.New(),
		Driver:               "scripted-hardware",
		ProvisionState:       string(fsm.WaitCallBack),
		TargetProvisionState: string(fsm.Active),
		AgentToken:           "stale-token",
		AgentDeadline:        &past,
	}
	repo.put(n)

	// Default deploy retry budget is one: the first timeout restarts the
	// step, which suspends again with a fresh token.
	c.sweepOnce(context.Background())

	var got *store.Node
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got, _ = repo.Get(context.Background(), n.ID)
		if got.WaitRetries == 1 && fsm.State(got.ProvisionState) == fsm.WaitCallBack {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got == nil || got.WaitRetries != 1 || fsm.State(got.ProvisionState) != fsm.WaitCallBack {
		t.Fatalf("retry not staged: %+v", got)
	}
	if got.AgentDeadline == nil || !got.AgentDeadline.After(time.Now()) || got.AgentToken == "stale-token" {
		t.Fatalf("fresh token/deadline not staged: token=%q", got.AgentToken)
	}
	if deploy.mintCount() != 1 {
		t.Fatalf("deploy step ran %d times, want 1", deploy.mintCount())
	}

	// Budget exhausted: the next timeout takes the failure edge.
	expired := time.Now().Add(-time.Minute)
	cur, _ := repo.Get(context.Background(), n.ID)
	if err := repo.Apply(context.Background(), cur, store.Patch{"agent_deadline": expired}); err != nil {
		t.Fatalf("expire deadline: %v", err)
	}
	c.sweepOnce(context.Background())
	waitForState(t, repo, n.ID, fsm.DeployFailed)
}

func TestSweepRefreshesPowerState(t *testing.T) {
	repo := newMemRepo()
	reg := testRegistry(t, nil)
	c := testConductor(t, repo, reg)

	n := &store.Node{
		ID:             uuid.New(),
		Driver:         fake.DriverName,
		ProvisionState: string(fsm.Active),
		PowerState:     hardware.PowerOn,
	}
	repo.put(n)

	// The fake power interface reports off for nodes it never powered on.
	c.sweepOnce(context.Background())

	got, _ := repo.Get(context.Background(), n.ID)
	if got.PowerState != hardware.PowerOff {
		t.Fatalf("power state = %q, want refreshed to off", got.PowerState)
	}
	if got.Reservation != "" {
		t.Fatal("power refresh must not leave a reservation")
	}
}

func TestSweepLeavesReservedPeersAlone(t *testing.T) {
	repo := newMemRepo()
	c := testConductor(t, repo, testRegistry(t, nil))

	// A waiting node with a live deadline is not touched.
	future := time.Now().Add(time.Hour)
	n := &store.Node{
		ID:             uuid.New(),
		Driver:         fake.DriverName,
		ProvisionState: string(fsm.CleanWait),
		AgentToken:     "tok",
		AgentDeadline:  &future,
	}
	repo.put(n)

	c.sweepOnce(context.Background())

	got, _ := repo.Get(context.Background(), n.ID)
	if got.ProvisionState != string(fsm.CleanWait) || got.AgentToken != "tok" {
		t.Fatalf("waiting node disturbed: %+v", got)
	}
}
