package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/instance-scheduler/internal/executor"
	"github.com/terrpan/instance-scheduler/internal/instance"
	"github.com/terrpan/instance-scheduler/internal/provider"
)

// ---------------------------------------------------------------------------
// Mock executor
// ---------------------------------------------------------------------------

type mockExecutor struct {
	mu    sync.Mutex
	calls []string

	failing map[string]bool
	panics  map[string]bool
	delay   time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newMockExecutor() *mockExecutor {
	return &mockExecutor{
		failing: make(map[string]bool),
		panics:  make(map[string]bool),
	}
}

func (m *mockExecutor) Execute(_ context.Context, id string, action instance.Action) instance.Outcome {
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		cur := m.maxInFlight.Load()
		if n <= cur || m.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	m.mu.Lock()
	m.calls = append(m.calls, id)
	fail, boom := m.failing[id], m.panics[id]
	m.mu.Unlock()

	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if boom {
		panic("nil pointer in " + id)
	}
	if fail {
		return instance.Outcome{InstanceID: id, Err: "remote call failed"}
	}
	return instance.Outcome{
		InstanceID: id,
		Succeeded:  true,
		Name:       id,
		State:      action.Target(),
		Decision:   instance.DecisionApplyAction,
	}
}

func (m *mockExecutor) getCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// ---------------------------------------------------------------------------
// Mock provider for end-to-end runs through the real executor
// ---------------------------------------------------------------------------

type mockProvider struct {
	mu       sync.Mutex
	statuses map[string]provider.Status
	queried  []string
	applied  []string
}

func (m *mockProvider) Status(_ context.Context, id string) (provider.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queried = append(m.queried, id)
	st, ok := m.statuses[id]
	if !ok {
		return provider.Status{}, &provider.RemoteError{Op: "get instance", InstanceID: id, Err: errors.New("connection refused")}
	}
	return st, nil
}

func (m *mockProvider) Apply(_ context.Context, id string, action instance.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied = append(m.applied, id+":"+action.String())
	return nil
}

func (m *mockProvider) Close() error { return nil }

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type OrchestratorSuite struct {
	suite.Suite
	ctx    context.Context
	exec   *mockExecutor
	logger *slog.Logger
}

func (s *OrchestratorSuite) SetupTest() {
	s.ctx = context.Background()
	s.exec = newMockExecutor()
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (s *OrchestratorSuite) newOrchestrator(maxWorkers int) *Orchestrator {
	return New(Config{Executor: s.exec, MaxWorkers: maxWorkers, Logger: s.logger})
}

func TestOrchestratorSuite(t *testing.T) {
	suite.Run(t, new(OrchestratorSuite))
}

func ids(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("inst-%02d", i)
	}
	return out
}

func (s *OrchestratorSuite) TestSequentialContinue_ProcessesEveryID() {
	list := ids(7)
	s.exec.failing["inst-01"] = true
	s.exec.failing["inst-04"] = true

	summary := s.newOrchestrator(0).Run(s.ctx, list, instance.ActionStop, instance.ModeSequential, instance.ContinueOnError)

	assert.Equal(s.T(), len(list), summary.Total)
	assert.Equal(s.T(), 5, summary.Succeeded)
	assert.Equal(s.T(), 2, summary.Failed)
	assert.Equal(s.T(), list, s.exec.getCalls(), "input order, each id exactly once")

	got := make([]string, 0, len(summary.Outcomes))
	for _, o := range summary.Outcomes {
		got = append(got, o.InstanceID)
	}
	assert.Equal(s.T(), list, got)
}

func (s *OrchestratorSuite) TestSequentialHalt_StopsAtKthFailure() {
	list := ids(6)
	for k := 1; k <= len(list); k++ {
		s.SetupTest()
		s.exec.failing[list[k-1]] = true

		summary := s.newOrchestrator(0).Run(s.ctx, list, instance.ActionStart, instance.ModeSequential, instance.HaltOnFirstError)

		assert.Equal(s.T(), k, summary.Total, "k=%d", k)
		assert.Equal(s.T(), 1, summary.Failed, "k=%d", k)
		assert.Equal(s.T(), k-1, summary.Succeeded, "k=%d", k)
		assert.Equal(s.T(), list[:k], s.exec.getCalls(), "nothing after position k is attempted")
	}
}

func (s *OrchestratorSuite) TestSequentialHalt_NoFailureRunsAll() {
	list := ids(4)
	summary := s.newOrchestrator(0).Run(s.ctx, list, instance.ActionStart, instance.ModeSequential, instance.HaltOnFirstError)
	assert.Equal(s.T(), 4, summary.Total)
	assert.Equal(s.T(), 0, summary.ExitCode())
}

func (s *OrchestratorSuite) TestConcurrent_TotalAlwaysLen() {
	list := ids(25)
	for i, id := range list {
		if i%3 == 0 {
			s.exec.failing[id] = true
		}
	}

	for _, policy := range []instance.FailurePolicy{instance.ContinueOnError, instance.HaltOnFirstError} {
		summary := s.newOrchestrator(4).Run(s.ctx, list, instance.ActionStart, instance.ModeConcurrent, policy)

		assert.Equal(s.T(), len(list), summary.Total, policy.String())
		assert.Equal(s.T(), 9, summary.Failed, policy.String())
		assert.Equal(s.T(), 16, summary.Succeeded, policy.String())
		assert.Len(s.T(), summary.Outcomes, len(list))
		assert.Equal(s.T(), 1, summary.ExitCode())
	}
}

func (s *OrchestratorSuite) TestConcurrent_EachIDOnce() {
	list := ids(30)
	summary := s.newOrchestrator(8).Run(s.ctx, list, instance.ActionStatus, instance.ModeConcurrent, instance.ContinueOnError)

	seen := make(map[string]int)
	for _, o := range summary.Outcomes {
		seen[o.InstanceID]++
	}
	require.Len(s.T(), seen, len(list))
	for id, n := range seen {
		assert.Equal(s.T(), 1, n, id)
	}
	assert.ElementsMatch(s.T(), list, s.exec.getCalls())
}

func (s *OrchestratorSuite) TestConcurrent_WorkerCapRespected() {
	s.exec.delay = 20 * time.Millisecond

	s.newOrchestrator(3).Run(s.ctx, ids(12), instance.ActionStart, instance.ModeConcurrent, instance.ContinueOnError)

	assert.LessOrEqual(s.T(), s.exec.maxInFlight.Load(), int32(3))
	assert.GreaterOrEqual(s.T(), s.exec.maxInFlight.Load(), int32(1))
}

func (s *OrchestratorSuite) TestConcurrent_FewerIDsThanWorkers() {
	s.exec.delay = 10 * time.Millisecond

	summary := s.newOrchestrator(50).Run(s.ctx, ids(2), instance.ActionStart, instance.ModeConcurrent, instance.ContinueOnError)

	assert.Equal(s.T(), 2, summary.Total)
	assert.LessOrEqual(s.T(), s.exec.maxInFlight.Load(), int32(2))
}

func (s *OrchestratorSuite) TestEmptyList() {
	for _, mode := range []instance.ExecutionMode{instance.ModeSequential, instance.ModeConcurrent} {
		summary := s.newOrchestrator(0).Run(s.ctx, nil, instance.ActionStart, mode, instance.ContinueOnError)
		assert.Equal(s.T(), 0, summary.Total, mode.String())
		assert.Empty(s.T(), summary.Outcomes)
		assert.Equal(s.T(), 0, summary.ExitCode())
	}
}

func (s *OrchestratorSuite) TestPanicBecomesFailedOutcome() {
	list := ids(5)
	s.exec.panics["inst-02"] = true

	for _, mode := range []instance.ExecutionMode{instance.ModeSequential, instance.ModeConcurrent} {
		summary := s.newOrchestrator(2).Run(s.ctx, list, instance.ActionStop, mode, instance.ContinueOnError)

		assert.Equal(s.T(), 5, summary.Total, mode.String())
		assert.Equal(s.T(), 1, summary.Failed, mode.String())

		var faulted *instance.Outcome
		for i := range summary.Outcomes {
			if summary.Outcomes[i].InstanceID == "inst-02" {
				faulted = &summary.Outcomes[i]
			}
		}
		require.NotNil(s.T(), faulted)
		assert.False(s.T(), faulted.Succeeded)
		assert.Contains(s.T(), faulted.Err, "unexpected fault")
		assert.Contains(s.T(), faulted.Err, "nil pointer in inst-02")
	}
}

func (s *OrchestratorSuite) TestPanicHaltsSequential() {
	list := ids(4)
	s.exec.panics["inst-01"] = true

	summary := s.newOrchestrator(0).Run(s.ctx, list, instance.ActionStop, instance.ModeSequential, instance.HaltOnFirstError)

	assert.Equal(s.T(), 2, summary.Total)
	assert.Equal(s.T(), []string{"inst-00", "inst-01"}, s.exec.getCalls())
}

func (s *OrchestratorSuite) TestCommutativeAggregation() {
	list := ids(20)
	for i, id := range list {
		if i%4 == 1 {
			s.exec.failing[id] = true
		}
	}
	want := s.newOrchestrator(0).Run(s.ctx, list, instance.ActionStart, instance.ModeSequential, instance.ContinueOnError)

	r := rand.New(rand.NewPCG(7, 11))
	for range 10 {
		shuffled := append([]string(nil), list...)
		r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		for _, mode := range []instance.ExecutionMode{instance.ModeSequential, instance.ModeConcurrent} {
			got := s.newOrchestrator(5).Run(s.ctx, shuffled, instance.ActionStart, mode, instance.ContinueOnError)
			assert.Equal(s.T(), want.Total, got.Total)
			assert.Equal(s.T(), want.Succeeded, got.Succeeded)
			assert.Equal(s.T(), want.Failed, got.Failed)
		}
	}
}

// ---------------------------------------------------------------------------
// End-to-end through the real executor
// ---------------------------------------------------------------------------

type JobSuite struct {
	suite.Suite
	ctx      context.Context
	provider *mockProvider
	orch     *Orchestrator
}

func (s *JobSuite) SetupTest() {
	s.ctx = context.Background()
	s.provider = &mockProvider{statuses: map[string]provider.Status{
		"A": {State: instance.StateRunning, Name: "alpha"},
		"B": {State: instance.StateStopped, Name: "bravo"},
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	exec := executor.New(executor.Config{Provider: s.provider, Logger: logger})
	s.orch = New(Config{Executor: exec, Logger: logger})
}

func TestJobSuite(t *testing.T) {
	suite.Run(t, new(JobSuite))
}

func (s *JobSuite) TestStartContinueOnError() {
	summary := s.orch.Run(s.ctx, []string{"A", "B", "C"}, instance.ActionStart, instance.ModeSequential, instance.ContinueOnError)

	require.Len(s.T(), summary.Outcomes, 3)
	a, b, c := summary.Outcomes[0], summary.Outcomes[1], summary.Outcomes[2]

	assert.True(s.T(), a.Succeeded)
	assert.Equal(s.T(), instance.DecisionAlreadySatisfied, a.Decision)

	assert.True(s.T(), b.Succeeded)
	assert.Equal(s.T(), instance.DecisionApplyAction, b.Decision)
	assert.Equal(s.T(), instance.StateRunning, b.State)

	assert.False(s.T(), c.Succeeded)
	assert.Contains(s.T(), c.Err, "connection refused")

	assert.Equal(s.T(), 3, summary.Total)
	assert.Equal(s.T(), 2, summary.Succeeded)
	assert.Equal(s.T(), 1, summary.Failed)
	assert.Equal(s.T(), 1, summary.ExitCode())
	assert.Equal(s.T(), []string{"A", "B", "C"}, s.provider.queried)
	assert.Equal(s.T(), []string{"B:start"}, s.provider.applied)
}

func (s *JobSuite) TestStartHaltOnUnreachableFirst() {
	summary := s.orch.Run(s.ctx, []string{"C", "A", "B"}, instance.ActionStart, instance.ModeSequential, instance.HaltOnFirstError)

	assert.Equal(s.T(), 1, summary.Total)
	assert.Equal(s.T(), 0, summary.Succeeded)
	assert.Equal(s.T(), 1, summary.Failed)
	assert.Equal(s.T(), []string{"C"}, s.provider.queried, "A and B are never attempted")
	assert.Empty(s.T(), s.provider.applied)
}

func (s *JobSuite) TestStatusNeverApplies() {
	s.provider.statuses["D"] = provider.Status{State: instance.StateStarting, Name: "delta"}
	s.provider.statuses["E"] = provider.Status{State: instance.State("suspended"), Name: "echo"}

	summary := s.orch.Run(s.ctx, []string{"A", "B", "C", "D", "E"}, instance.ActionStatus, instance.ModeConcurrent, instance.ContinueOnError)

	assert.Equal(s.T(), 5, summary.Total)
	assert.Equal(s.T(), 4, summary.Succeeded)
	assert.Empty(s.T(), s.provider.applied)
}

func (s *JobSuite) TestRerunConverges() {
	list := []string{"A", "B"}
	s.orch.Run(s.ctx, list, instance.ActionStart, instance.ModeSequential, instance.ContinueOnError)
	s.provider.statuses["B"] = provider.Status{State: instance.StateRunning, Name: "bravo"}

	summary := s.orch.Run(s.ctx, list, instance.ActionStart, instance.ModeConcurrent, instance.ContinueOnError)
	for _, o := range summary.Outcomes {
		assert.Equal(s.T(), instance.DecisionAlreadySatisfied, o.Decision, o.InstanceID)
	}
	assert.Equal(s.T(), []string{"B:start"}, s.provider.applied, "no new actions on a converged fleet")
}
