package pipeline

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/nearshore-cli/internal/ledger"
)

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) CreateRun(ctx context.Context) (*ledger.Run, error) {
	args := m.Called(ctx)
	run, _ := args.Get(0).(*ledger.Run)
	return run, args.Error(1)
}

func (m *mockRecorder) FinishRun(ctx context.Context, runID string, status ledger.Status) error {
	return m.Called(ctx, runID, status).Error(0)
}

func (m *mockRecorder) StartStage(ctx context.Context, runID, name, fingerprint string) (*ledger.Stage, error) {
	args := m.Called(ctx, runID, name, fingerprint)
	s, _ := args.Get(0).(*ledger.Stage)
	return s, args.Error(1)
}

func (m *mockRecorder) CompleteStage(ctx context.Context, stageID, output string, rows, columns int) error {
	return m.Called(ctx, stageID, output, rows, columns).Error(0)
}

func (m *mockRecorder) SkipStage(ctx context.Context, stageID, output string) error {
	return m.Called(ctx, stageID, output).Error(0)
}

func (m *mockRecorder) FailStage(ctx context.Context, stageID string, cause error) error {
	return m.Called(ctx, stageID, cause).Error(0)
}

func (m *mockRecorder) Done(ctx context.Context, name, fingerprint string) (*ledger.Stage, error) {
	args := m.Called(ctx, name, fingerprint)
	s, _ := args.Get(0).(*ledger.Stage)
	return s, args.Error(1)
}
