// File: internal/mocks/mocks.go
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/suture/api/schemas"
	"github.com/xkilldash9x/suture/internal/config"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

var _ config.Interface = (*MockConfig)(nil)

func (m *MockConfig) Logger() config.LoggerConfig {
	return m.Called().Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Database() config.DatabaseConfig {
	return m.Called().Get(0).(config.DatabaseConfig)
}

func (m *MockConfig) Browser() config.BrowserConfig {
	return m.Called().Get(0).(config.BrowserConfig)
}

func (m *MockConfig) Healing() config.HealingConfig {
	return m.Called().Get(0).(config.HealingConfig)
}

func (m *MockConfig) Vision() config.VisionConfig {
	return m.Called().Get(0).(config.VisionConfig)
}

func (m *MockConfig) Popup() config.PopupConfig {
	return m.Called().Get(0).(config.PopupConfig)
}

func (m *MockConfig) LLM() config.LLMModelConfig {
	return m.Called().Get(0).(config.LLMModelConfig)
}

func (m *MockConfig) Run() config.RunConfig {
	return m.Called().Get(0).(config.RunConfig)
}

func (m *MockConfig) SetBrowserHeadless(b bool) { m.Called(b) }
func (m *MockConfig) SetBrowserConcurrency(n int) { m.Called(n) }
func (m *MockConfig) SetVisionMode(v config.VisionMode) { m.Called(v) }
func (m *MockConfig) SetMaxRetries(n int) { m.Called(n) }

// -- LLM Client Mock --

// MockLLMClient mocks the schemas.LLMClient interface.
type MockLLMClient struct {
	mock.Mock
}

var _ schemas.LLMClient = (*MockLLMClient)(nil)

// Generate provides a mock function for model calls. A cancelled context wins
// over any configured return values, like a real network client.
func (m *MockLLMClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockLLMClient) Close() error {
	return m.Called().Error(0)
}

// -- Page Mock --

// MockPage implements schemas.Page for testing.
type MockPage struct {
	mock.Mock
}

var _ schemas.Page = (*MockPage)(nil)

func (m *MockPage) Query(ctx context.Context, d schemas.ElementDescriptor) ([]schemas.ElementRef, error) {
	args := m.Called(ctx, d)
	refs, _ := args.Get(0).([]schemas.ElementRef)
	return refs, args.Error(1)
}

func (m *MockPage) Perform(ctx context.Context, ref schemas.ElementRef, action schemas.Action, value string) error {
	return m.Called(ctx, ref, action, value).Error(0)
}

func (m *MockPage) Candidates(ctx context.Context, limit int) ([]schemas.Candidate, error) {
	args := m.Called(ctx, limit)
	cands, _ := args.Get(0).([]schemas.Candidate)
	return cands, args.Error(1)
}

func (m *MockPage) Screenshot(ctx context.Context) ([]byte, error) {
	args := m.Called(ctx)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *MockPage) Navigate(ctx context.Context, url string) error {
	return m.Called(ctx, url).Error(0)
}

func (m *MockPage) URL(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockPage) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// -- Locator Mocks --

// MockVisionLocator mocks the vision locator used by the healing orchestrator.
type MockVisionLocator struct {
	mock.Mock
}

func (m *MockVisionLocator) Locate(ctx context.Context, page schemas.Page, d schemas.ElementDescriptor, description string) (schemas.LocateResult, schemas.ElementRef, error) {
	args := m.Called(ctx, page, d, description)
	res, _ := args.Get(0).(schemas.LocateResult)
	ref, _ := args.Get(1).(schemas.ElementRef)
	return res, ref, args.Error(2)
}

// MockPopupHandler mocks overlay dismissal.
type MockPopupHandler struct {
	mock.Mock
}

func (m *MockPopupHandler) Dismiss(ctx context.Context, page schemas.Page) int {
	return m.Called(ctx, page).Int(0)
}
