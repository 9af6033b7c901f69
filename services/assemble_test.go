package services_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xmdecrypt/services"
)

func TestAssembleStream(t *testing.T) {
	raw := []byte("HEADERHEADPAYLOADPAYLOADTAIL")
	info := &services.ContainerInfo{
		HeaderSize:         10,
		PayloadSize:        14,
		EncodingTechnology: "aGVs",
	}

	tests := []struct {
		name   string
		stage2 string
		want   string
	}{
		{name: "padded", stage2: "bG8gd29ybGQ=", want: "hello worldTAIL"},
		{name: "unpadded falls back to raw alphabet", stage2: "bG8gd29ybGQ", want: "hello worldTAIL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := services.AssembleStream(info, tt.stage2, raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(out))
		})
	}
}

func TestAssembleStreamWithoutTail(t *testing.T) {
	raw := make([]byte, 24)
	info := &services.ContainerInfo{HeaderSize: 10, PayloadSize: 14}

	out, err := services.AssembleStream(info, "aGk=", raw)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(out))
}

func TestAssembleStreamInvalidBase64(t *testing.T) {
	info := &services.ContainerInfo{HeaderSize: 0, PayloadSize: 1, EncodingTechnology: "!!"}

	_, err := services.AssembleStream(info, "not*base64", []byte{0})
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrAssemblyFailure)
}
