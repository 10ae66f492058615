// Package chats opens a Stream Chat channel for each confirmed consultation.
package chats

import (
	"context"
	"fmt"
	"strconv"
	"time"

	stream "github.com/GetStream/stream-chat-go/v5"
	"github.com/KAsare1/medibook-server/cmd/config"
	"github.com/KAsare1/medibook-server/cmd/models"
	"github.com/sirupsen/logrus"
)

const channelType = "messaging"

// Provisioner creates consultation channels and user tokens. A nil client
// means chat is disabled and every call is a no-op.
type Provisioner struct {
	client *stream.Client
	apiKey string
	log    *logrus.Entry
}

func NewProvisioner(cfg config.StreamConfig, log *logrus.Entry) (*Provisioner, error) {
	p := &Provisioner{apiKey: cfg.APIKey, log: log}
	if cfg.APIKey == "" || cfg.APISecret == "" {
		log.Info("Stream credentials not set, consultation chat disabled")
		return p, nil
	}

	client, err := stream.NewClient(cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("initialize stream client: %w", err)
	}
	p.client = client
	return p, nil
}

func (p *Provisioner) Enabled() bool {
	return p != nil && p.client != nil
}

func (p *Provisioner) APIKey() string {
	return p.apiKey
}

// ChannelID names the channel of an appointment.
func ChannelID(appointmentID uint) string {
	return "appt-" + strconv.FormatUint(uint64(appointmentID), 10)
}

func userKey(userID uint) string {
	return strconv.FormatUint(uint64(userID), 10)
}

// OpenConsultation upserts both participants and creates the channel. Creating
// an existing channel with the same members is accepted by Stream.
func (p *Provisioner) OpenConsultation(ctx context.Context, appt *models.Appointment) error {
	if !p.Enabled() {
		return nil
	}

	for _, id := range []uint{appt.DoctorID, appt.PatientID} {
		user := &stream.User{ID: userKey(id)}
		if name := participantName(appt, id); name != "" {
			user.Name = name
		}
		if _, err := p.client.UpsertUser(ctx, user); err != nil {
			return fmt.Errorf("upsert stream user %d: %w", id, err)
		}
	}

	_, err := p.client.CreateChannelWithMembers(ctx, channelType, ChannelID(appt.ID),
		userKey(appt.DoctorID), userKey(appt.DoctorID), userKey(appt.PatientID))
	if err != nil {
		return fmt.Errorf("create channel %s: %w", ChannelID(appt.ID), err)
	}

	p.log.WithField("appointment_id", appt.ID).Info("consultation channel opened")
	return nil
}

// UserToken returns a Stream token valid for one day.
func (p *Provisioner) UserToken(userID uint) (string, error) {
	if !p.Enabled() {
		return "", fmt.Errorf("consultation chat is disabled")
	}
	return p.client.CreateToken(userKey(userID), time.Now().Add(24*time.Hour))
}

func participantName(appt *models.Appointment, id uint) string {
	switch {
	case appt.Doctor != nil && appt.Doctor.ID == id:
		return appt.Doctor.FullName
	case appt.Patient != nil && appt.Patient.ID == id:
		return appt.Patient.FullName
	}
	return ""
}
