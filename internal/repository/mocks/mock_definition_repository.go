package mocks

import (
	"context"

	"vqlapi/internal/definition"
	"github.com/stretchr/testify/mock"
)

type MockDefinitionRepository struct {
	mock.Mock
}

func (m *MockDefinitionRepository) Get(ctx context.Context, name string) (*definition.File, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*definition.File), args.Error(1)
}

func (m *MockDefinitionRepository) List(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}
