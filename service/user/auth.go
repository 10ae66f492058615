package user

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/KAsare1/medibook-server/cmd/apperr"
	"github.com/KAsare1/medibook-server/cmd/models"
	"github.com/KAsare1/medibook-server/cmd/utils"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	verificationTTL = 15 * time.Minute
	resetTTL        = 10 * time.Minute
)

type RegisterRequest struct {
	FullName string      `json:"full_name" validate:"required,max=255"`
	Email    string      `json:"email" validate:"required,email,max=255"`
	Password string      `json:"password" validate:"required,min=8,max=72"`
	Phone    string      `json:"phone" validate:"omitempty,max=20"`
	Role     models.Role `json:"role" validate:"required"`

	// doctor
	Specialty        string `json:"specialty" validate:"required_if=Role doctor,max=255"`
	Bio              string `json:"bio"`
	ConsultationFee  int64  `json:"consultation_fee" validate:"gte=0"`
	RequiresApproval bool   `json:"requires_approval"`

	// patient
	BHYTCardNumber string     `json:"bhyt_card_number" validate:"omitempty,max=32"`
	BHYTValidFrom  *time.Time `json:"bhyt_valid_from"`
	BHYTValidTo    *time.Time `json:"bhyt_valid_to"`
}

// verificationCode returns a random six digit code.
func verificationCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func isDuplicateKey(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(err.Error(), "duplicate key") ||
		strings.Contains(err.Error(), "UNIQUE constraint")
}

// createUser inserts a user and the profile of its role in one transaction.
func (h *Handler) createUser(req RegisterRequest, verified bool) (*models.User, error) {
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	var count int64
	if err := h.db.Model(&models.User{}).Where("email = ?", req.Email).Count(&count).Error; err != nil {
		return nil, apperr.Internal("Database error", err)
	}
	if count > 0 {
		return nil, apperr.Conflict("Email is already in use")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, apperr.Internal("Error hashing password", err)
	}

	user := models.User{
		FullName:      req.FullName,
		Email:         req.Email,
		PasswordHash:  string(hash),
		Phone:         req.Phone,
		Role:          req.Role,
		Status:        "active",
		EmailVerified: verified,
	}
	if !verified {
		code, err := verificationCode()
		if err != nil {
			return nil, apperr.Internal("Error generating verification code", err)
		}
		user.EmailVerificationCode = code
		user.VerificationExpiry = h.now().Add(verificationTTL)
	}

	err = h.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&user).Error; err != nil {
			if isDuplicateKey(err) {
				return apperr.Conflict("Email is already in use")
			}
			return apperr.Internal("Error registering user", err)
		}

		switch req.Role {
		case models.RoleDoctor:
			user.Doctor = &models.DoctorProfile{
				UserID:           user.ID,
				Specialty:        req.Specialty,
				Bio:              req.Bio,
				ConsultationFee:  req.ConsultationFee,
				RequiresApproval: req.RequiresApproval,
				SlotMinutes:      30,
			}
			if err := tx.Create(user.Doctor).Error; err != nil {
				return apperr.Internal("Error creating doctor profile", err)
			}
		case models.RolePatient:
			user.Patient = &models.PatientProfile{
				UserID:         user.ID,
				BHYTCardNumber: strings.ToUpper(strings.TrimSpace(req.BHYTCardNumber)),
				BHYTValidFrom:  req.BHYTValidFrom,
				BHYTValidTo:    req.BHYTValidTo,
			}
			if err := tx.Create(user.Patient).Error; err != nil {
				return apperr.Internal("Error creating patient profile", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := utils.DecodeAndValidate(r, &req); err != nil {
		utils.RespondError(w, err)
		return
	}
	if req.Role != models.RolePatient && req.Role != models.RoleDoctor {
		utils.RespondError(w, apperr.Validation("role must be patient or doctor"))
		return
	}

	user, err := h.createUser(req, false)
	if err != nil {
		utils.RespondError(w, err)
		return
	}

	code := user.EmailVerificationCode
	go func() {
		if err := h.sendCode(user.Email, "Email Verification Code", code); err != nil {
			h.log.WithUserID(user.ID).WithError(err).Warn("Error sending verification email")
		}
	}()

	utils.RespondJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "User registered successfully. Please check your email for verification code.",
		"user_id": user.ID,
	})
}

func (h *Handler) sendCode(email, subject, code string) error {
	return h.mailer.Send(email, subject,
		fmt.Sprintf("Your code is: %s. Ignore this email if you did not request it.", code))
}

func (h *Handler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email" validate:"required,email"`
		Code  string `json:"code" validate:"required,len=6"`
	}
	if err := utils.DecodeAndValidate(r, &req); err != nil {
		utils.RespondError(w, err)
		return
	}

	var user models.User
	if err := h.db.Where("email = ?", strings.ToLower(req.Email)).First(&user).Error; err != nil {
		utils.RespondError(w, apperr.NotFound("User not found"))
		return
	}
	if user.EmailVerified {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"message": "Email already verified"})
		return
	}
	if user.EmailVerificationCode != req.Code || h.now().After(user.VerificationExpiry) {
		utils.RespondError(w, apperr.Unauthorized("Invalid or expired verification code"))
		return
	}

	err := h.db.Model(&user).Updates(map[string]interface{}{
		"email_verified":          true,
		"email_verification_code": "",
		"verification_expiry":     time.Time{},
	}).Error
	if err != nil {
		utils.RespondError(w, apperr.Internal("Error updating user", err))
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"message": "Email verified successfully"})
}

func (h *Handler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email" validate:"required,email"`
	}
	if err := utils.DecodeAndValidate(r, &req); err != nil {
		utils.RespondError(w, err)
		return
	}

	var user models.User
	if err := h.db.Where("email = ? AND email_verified = ?", strings.ToLower(req.Email), false).First(&user).Error; err == nil {
		code, err := verificationCode()
		if err != nil {
			utils.RespondError(w, apperr.Internal("Error generating verification code", err))
			return
		}
		err = h.db.Model(&user).Updates(map[string]interface{}{
			"email_verification_code": code,
			"verification_expiry":     h.now().Add(verificationTTL),
		}).Error
		if err != nil {
			utils.RespondError(w, apperr.Internal("Error updating user", err))
			return
		}
		if err := h.sendCode(user.Email, "Email Verification Code", code); err != nil {
			utils.RespondError(w, apperr.External("Error sending email", err))
			return
		}
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{
		"message": "If the account exists and is unverified, a new code has been sent",
	})
}

// issueTokens signs an access token and rotates the refresh token.
func (h *Handler) issueTokens(db *gorm.DB, user *models.User) (map[string]interface{}, error) {
	accessToken, expiresAt, err := h.auth.IssueToken(user.ID, user.Role)
	if err != nil {
		return nil, apperr.Internal("Error generating access token", err)
	}

	refreshToken := uuid.NewString()
	err = db.Model(&models.User{}).Where("id = ?", user.ID).Updates(map[string]interface{}{
		"refresh_token":            refreshToken,
		"refresh_token_expired_at": h.now().Add(h.refreshTTL),
	}).Error
	if err != nil {
		return nil, apperr.Internal("Error saving refresh token", err)
	}

	return map[string]interface{}{
		"access_token":  accessToken,
		"expires_at":    expiresAt,
		"refresh_token": refreshToken,
	}, nil
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email" validate:"required,email"`
		Password string `json:"password" validate:"required"`
	}
	if err := utils.DecodeAndValidate(r, &req); err != nil {
		utils.RespondError(w, err)
		return
	}

	var user models.User
	if err := h.db.Preload("Doctor").Where("email = ?", strings.ToLower(req.Email)).First(&user).Error; err != nil {
		utils.RespondError(w, apperr.Unauthorized("Invalid credentials"))
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		h.log.Audit(user.ID, "login", "user", false, map[string]interface{}{"reason": "bad password"})
		utils.RespondError(w, apperr.Unauthorized("Invalid credentials"))
		return
	}
	if user.Status != "active" {
		utils.RespondError(w, apperr.Forbidden("Account is %s", user.Status))
		return
	}
	if !user.EmailVerified {
		utils.RespondError(w, apperr.Forbidden("Please verify your email before logging in"))
		return
	}

	resp, err := h.issueTokens(h.db, &user)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	resp["message"] = "Login successful"
	resp["user"] = user

	if h.chat != nil && h.chat.Enabled() {
		if token, err := h.chat.UserToken(user.ID); err == nil {
			resp["stream_token"] = token
		} else {
			h.log.WithUserID(user.ID).WithError(err).Warn("Error generating Stream token")
		}
	}

	h.log.Audit(user.ID, "login", "user", true, nil)
	utils.RespondJSON(w, http.StatusOK, resp)
}

// RefreshToken exchanges a refresh token for a new pair. The old refresh
// token stops working.
func (h *Handler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token" validate:"required"`
	}
	if err := utils.DecodeAndValidate(r, &req); err != nil {
		utils.RespondError(w, err)
		return
	}

	var resp map[string]interface{}
	err := h.db.Transaction(func(tx *gorm.DB) error {
		var user models.User
		if err := tx.Where("refresh_token = ?", req.RefreshToken).First(&user).Error; err != nil {
			return apperr.Unauthorized("Invalid refresh token")
		}
		if user.RefreshTokenExpiredAt.Before(h.now()) {
			return apperr.Unauthorized("Refresh token expired")
		}
		if user.Status != "active" {
			return apperr.Forbidden("Account is %s", user.Status)
		}
		var err error
		resp, err = h.issueTokens(tx, &user)
		return err
	})
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, resp)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	err = h.db.Model(&models.User{}).Where("id = ?", userID).Updates(map[string]interface{}{
		"refresh_token":            "",
		"refresh_token_expired_at": time.Time{},
	}).Error
	if err != nil {
		utils.RespondError(w, apperr.Internal("Error logging out", err))
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
}

func (h *Handler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email" validate:"required,email"`
	}
	if err := utils.DecodeAndValidate(r, &req); err != nil {
		utils.RespondError(w, err)
		return
	}
	// same answer whether or not the account exists
	resp := map[string]string{"message": "If an account exists, a reset code will be sent to your email"}

	var user models.User
	if err := h.db.Where("email = ?", strings.ToLower(req.Email)).First(&user).Error; err != nil {
		utils.RespondJSON(w, http.StatusOK, resp)
		return
	}

	code, err := verificationCode()
	if err != nil {
		utils.RespondError(w, apperr.Internal("Error generating reset code", err))
		return
	}
	err = h.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", user.ID).Delete(&models.PasswordResetToken{}).Error; err != nil {
			return err
		}
		return tx.Create(&models.PasswordResetToken{
			UserID:    user.ID,
			Token:     code,
			ExpiresAt: h.now().Add(resetTTL),
		}).Error
	})
	if err != nil {
		utils.RespondError(w, apperr.Internal("Error processing reset request", err))
		return
	}

	if err := h.sendCode(user.Email, "Password Reset Code", code); err != nil {
		utils.RespondError(w, apperr.External("Error sending email", err))
		return
	}
	utils.RespondJSON(w, http.StatusOK, resp)
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email" validate:"required,email"`
		Code     string `json:"code" validate:"required,len=6"`
		Password string `json:"password" validate:"required,min=8,max=72"`
	}
	if err := utils.DecodeAndValidate(r, &req); err != nil {
		utils.RespondError(w, err)
		return
	}

	var user models.User
	if err := h.db.Where("email = ?", strings.ToLower(req.Email)).First(&user).Error; err != nil {
		utils.RespondError(w, apperr.Unauthorized("Invalid or expired reset code"))
		return
	}

	err := h.db.Transaction(func(tx *gorm.DB) error {
		var token models.PasswordResetToken
		err := tx.Where("user_id = ? AND token = ? AND expires_at > ?", user.ID, req.Code, h.now()).First(&token).Error
		if err != nil {
			return apperr.Unauthorized("Invalid or expired reset code")
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			return apperr.Internal("Error hashing password", err)
		}
		err = tx.Model(&user).Updates(map[string]interface{}{
			"password_hash": string(hash),
			"refresh_token": "",
		}).Error
		if err != nil {
			return apperr.Internal("Error updating password", err)
		}
		return tx.Where("user_id = ?", user.ID).Delete(&models.PasswordResetToken{}).Error
	})
	if err != nil {
		utils.RespondError(w, err)
		return
	}

	h.log.Audit(user.ID, "reset_password", "user", true, nil)
	utils.RespondJSON(w, http.StatusOK, map[string]string{"message": "Password has been reset"})
}
