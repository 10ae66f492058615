package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/KAsare1/medibook-server/cmd/models"
	expo "github.com/oliveroneill/exponent-server-sdk-golang/sdk"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// SocketSender delivers a payload to a user's live websocket sessions.
type SocketSender interface {
	SendToUser(userID uint, msg []byte) int
}

// Pusher is the subset of the Expo client used here.
type Pusher interface {
	Publish(message *expo.PushMessage) (expo.PushResponse, error)
}

// emailed lists notification types that are also sent by email.
var emailed = map[string]bool{
	models.NotifyPaymentRequired: true,
	models.NotifyPaymentReceived: true,
	models.NotifySettlementDue:   true,
	models.NotifyRefunded:        true,
	models.NotifyHoldExpired:     true,
}

// Service persists notifications and fans them out over websocket, push and email.
type Service struct {
	db     *gorm.DB
	socket SocketSender
	push   Pusher
	mailer *Mailer
	log    *logrus.Entry
	wg     sync.WaitGroup
}

func NewService(db *gorm.DB, socket SocketSender, push Pusher, mailer *Mailer, log *logrus.Entry) *Service {
	return &Service{db: db, socket: socket, push: push, mailer: mailer, log: log}
}

// Notify delivers in the background. Delivery errors are logged, never returned.
func (s *Service) Notify(ctx context.Context, n models.Notification) {
	ctx = context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Deliver(ctx, n); err != nil {
			s.log.WithError(err).WithField("user_id", n.UserID).WithField("type", n.Type).Warn("notification delivery failed")
		}
	}()
}

// Wait blocks until queued deliveries have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) Deliver(ctx context.Context, n models.Notification) error {
	n.SentAt = time.Now()
	n.Status = "sent"
	if err := s.db.WithContext(ctx).Create(&n).Error; err != nil {
		return fmt.Errorf("save notification: %w", err)
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"type":         "notification",
		"notification": n,
	})
	if s.socket != nil {
		s.socket.SendToUser(n.UserID, payload)
	}

	if err := s.pushToUser(ctx, n); err != nil {
		s.log.WithError(err).WithField("user_id", n.UserID).Debug("push skipped")
	}

	if emailed[n.Type] && s.mailer.Enabled() {
		var user models.User
		if err := s.db.WithContext(ctx).Select("email").First(&user, n.UserID).Error; err != nil {
			return fmt.Errorf("load user email: %w", err)
		}
		if err := s.mailer.Send(user.Email, n.Title, n.Body); err != nil {
			return fmt.Errorf("send email: %w", err)
		}
	}
	return nil
}

func (s *Service) pushToUser(ctx context.Context, n models.Notification) error {
	if s.push == nil {
		return nil
	}
	var devices []models.Device
	if err := s.db.WithContext(ctx).Where("user_id = ?", n.UserID).Find(&devices).Error; err != nil {
		return err
	}
	if len(devices) == 0 {
		return nil
	}

	tokens := make([]string, 0, len(devices))
	for _, d := range devices {
		tokens = append(tokens, d.Token)
	}

	data := map[string]string{"type": n.Type}
	if n.AppointmentID != nil {
		data["appointment_id"] = strconv.FormatUint(uint64(*n.AppointmentID), 10)
	}
	return s.sendExpo(ctx, tokens, n.Title, n.Body, data)
}

// sendExpo sends push notifications using the Expo SDK and prunes tokens it rejects.
func (s *Service) sendExpo(ctx context.Context, tokenStrings []string, title, body string, data map[string]string) error {
	var validTokens []expo.ExponentPushToken
	var invalidTokens []string

	for _, tokenString := range tokenStrings {
		pushToken, err := expo.NewExponentPushToken(tokenString)
		if err != nil {
			invalidTokens = append(invalidTokens, tokenString)
			continue
		}
		validTokens = append(validTokens, pushToken)
	}
	defer s.cleanupInvalidTokens(ctx, invalidTokens)

	if len(validTokens) == 0 {
		return fmt.Errorf("no valid push tokens found")
	}

	response, err := s.push.Publish(&expo.PushMessage{
		To:       validTokens,
		Body:     body,
		Title:    title,
		Sound:    "default",
		Priority: expo.DefaultPriority,
		Data:     data,
	})
	if err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	if err := response.ValidateResponse(); err != nil {
		return fmt.Errorf("notification validation failed: %w", err)
	}
	return nil
}

func (s *Service) cleanupInvalidTokens(ctx context.Context, tokens []string) {
	for _, token := range tokens {
		if err := s.db.WithContext(ctx).Where("token = ?", token).Delete(&models.Device{}).Error; err != nil {
			s.log.WithError(err).Warn("Error cleaning up invalid push token")
		}
	}
}

// Broadcast sends one message to many users, or to every registered device when userIDs is empty.
func (s *Service) Broadcast(ctx context.Context, req models.BroadcastRequest) (int, error) {
	query := s.db.WithContext(ctx).Model(&models.Device{})
	if len(req.UserIDs) > 0 {
		query = query.Where("user_id IN ?", req.UserIDs)
	}
	var devices []models.Device
	if err := query.Find(&devices).Error; err != nil {
		return 0, err
	}

	users := make(map[uint]bool)
	for _, id := range req.UserIDs {
		users[id] = true
	}
	tokens := make([]string, 0, len(devices))
	for _, d := range devices {
		tokens = append(tokens, d.Token)
		users[d.UserID] = true
	}

	var pushErr error
	if len(tokens) > 0 && s.push != nil {
		pushErr = s.sendExpo(ctx, tokens, req.Title, req.Body, req.Data)
	}

	status := "sent"
	if pushErr != nil {
		status = "failed"
	}
	for userID := range users {
		n := models.Notification{
			UserID: userID,
			Type:   models.NotifyBroadcast,
			Title:  req.Title,
			Body:   req.Body,
			Status: status,
			SentAt: time.Now(),
		}
		if err := s.db.WithContext(ctx).Create(&n).Error; err != nil {
			s.log.WithError(err).WithField("user_id", userID).Warn("Error creating broadcast notification")
			continue
		}
		if s.socket != nil {
			payload, _ := json.Marshal(map[string]interface{}{"type": "notification", "notification": n})
			s.socket.SendToUser(userID, payload)
		}
	}
	return len(tokens), pushErr
}
