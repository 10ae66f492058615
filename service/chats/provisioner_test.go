package chats

import (
	"context"
	"testing"

	"github.com/KAsare1/medibook-server/cmd/config"
	"github.com/KAsare1/medibook-server/cmd/logger"
	"github.com/KAsare1/medibook-server/cmd/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvisioner_DisabledWithoutCredentials(t *testing.T) {
	p, err := NewProvisioner(config.StreamConfig{}, logger.Discard().WithComponent("chats"))
	require.NoError(t, err)
	assert.False(t, p.Enabled())

	appt := &models.Appointment{DoctorID: 1, PatientID: 2}
	assert.NoError(t, p.OpenConsultation(context.Background(), appt))

	_, err = p.UserToken(2)
	assert.Error(t, err)
}

func TestProvisioner_UserToken(t *testing.T) {
	p, err := NewProvisioner(config.StreamConfig{APIKey: "key", APISecret: "secret"}, logger.Discard().WithComponent("chats"))
	require.NoError(t, err)
	require.True(t, p.Enabled())

	token, err := p.UserToken(7)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, "key", p.APIKey())
}

func TestChannelID(t *testing.T) {
	assert.Equal(t, "appt-42", ChannelID(42))
}
