package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"vqlapi/internal/config"
)

func TestNewMinIOValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.MinIOConfig
		want string
	}{
		{"missing endpoint", config.MinIOConfig{AccessKey: "a", SecretKey: "s", Bucket: "b"}, "minio endpoint is required"},
		{"missing credentials", config.MinIOConfig{Endpoint: "localhost:9000", Bucket: "b"}, "minio credentials are required"},
		{"missing bucket", config.MinIOConfig{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "s"}, "minio bucket is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewMinIO(tt.cfg)
			assert.Nil(t, s)
			assert.EqualError(t, err, tt.want)
		})
	}
}
