package mocks

import (
	"context"

	"vqlapi/internal/model"
	"vqlapi/internal/procedure"
	"vqlapi/internal/service"
	"github.com/stretchr/testify/mock"
)

type MockQueryService struct {
	mock.Mock
}

func (m *MockQueryService) Execute(ctx context.Context, name string, req service.Request) (*service.Response, error) {
	args := m.Called(ctx, name, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.Response), args.Error(1)
}

func (m *MockQueryService) List(ctx context.Context) ([]service.DefinitionSummary, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]service.DefinitionSummary), args.Error(1)
}

func (m *MockQueryService) Export(ctx context.Context, name string, criteria procedure.Criteria, format model.Format) (*service.ExportResult, error) {
	args := m.Called(ctx, name, criteria, format)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.ExportResult), args.Error(1)
}
