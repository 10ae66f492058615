package payment

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/KAsare1/medibook-server/cmd/apperr"
	"github.com/KAsare1/medibook-server/cmd/models"
	"github.com/KAsare1/medibook-server/cmd/utils"
	"gorm.io/gorm"
)

// PaymentFilter represents all possible filters for payment records
type PaymentFilter struct {
	UserID        uint
	AppointmentID uint
	Method        string
	Kind          models.PaymentKind
	MinAmount     int64
	MaxAmount     int64
	StartDate     time.Time
	EndDate       time.Time
}

// PaginatedResponse represents the paginated envelope of the payments listing
type PaginatedResponse struct {
	Data       interface{}    `json:"data"`
	Pagination PaginationMeta `json:"pagination"`
}

type PaginationMeta struct {
	CurrentPage int   `json:"current_page"`
	PerPage     int   `json:"per_page"`
	TotalItems  int64 `json:"total_items"`
	TotalPages  int   `json:"total_pages"`
	HasPrevious bool  `json:"has_previous"`
	HasNext     bool  `json:"has_next"`
}

// ParseFilter reads the filter from the query string. Non-admin callers are
// always limited to their own payments.
func ParseFilter(r *http.Request, actor models.Actor) (PaymentFilter, error) {
	var filter PaymentFilter
	q := r.URL.Query()

	if actor.Role == models.RoleAdmin {
		if raw := q.Get("user_id"); raw != "" {
			id, err := strconv.ParseUint(raw, 10, 32)
			if err != nil {
				return filter, apperr.Validation("Invalid user_id")
			}
			filter.UserID = uint(id)
		}
	} else {
		filter.UserID = actor.ID
	}
	if raw := q.Get("appointment_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return filter, apperr.Validation("Invalid appointment_id")
		}
		filter.AppointmentID = uint(id)
	}

	filter.Method = q.Get("method")
	filter.Kind = models.PaymentKind(q.Get("kind"))

	for key, dst := range map[string]*int64{"min_amount": &filter.MinAmount, "max_amount": &filter.MaxAmount} {
		if raw := q.Get(key); raw != "" {
			v, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return filter, apperr.Validation("Invalid %s", key)
			}
			*dst = v
		}
	}

	if raw := q.Get("start_date"); raw != "" {
		d, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return filter, apperr.Validation("Invalid start_date, expected YYYY-MM-DD")
		}
		filter.StartDate = d
	}
	if raw := q.Get("end_date"); raw != "" {
		d, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return filter, apperr.Validation("Invalid end_date, expected YYYY-MM-DD")
		}
		// include the whole end day
		filter.EndDate = d.Add(24*time.Hour - time.Nanosecond)
	}
	return filter, nil
}

func (f PaymentFilter) Apply(query *gorm.DB) *gorm.DB {
	if f.UserID != 0 {
		query = query.Where("user_id = ?", f.UserID)
	}
	if f.AppointmentID != 0 {
		query = query.Where("appointment_id = ?", f.AppointmentID)
	}
	if f.Method != "" {
		query = query.Where("method = ?", f.Method)
	}
	if f.Kind != "" {
		query = query.Where("kind = ?", f.Kind)
	}
	if f.MinAmount > 0 {
		query = query.Where("amount >= ?", f.MinAmount)
	}
	if f.MaxAmount > 0 {
		query = query.Where("amount <= ?", f.MaxAmount)
	}
	if !f.StartDate.IsZero() {
		query = query.Where("created_at >= ?", f.StartDate)
	}
	if !f.EndDate.IsZero() {
		query = query.Where("created_at <= ?", f.EndDate)
	}
	return query
}

func NewPaginationMeta(page utils.Page, total int64) PaginationMeta {
	totalPages := int(math.Ceil(float64(total) / float64(page.PageSize)))
	return PaginationMeta{
		CurrentPage: page.Page,
		PerPage:     page.PageSize,
		TotalItems:  total,
		TotalPages:  totalPages,
		HasPrevious: page.Page > 1,
		HasNext:     page.Page < totalPages,
	}
}

// ListPayments handles retrieving payment records with various filters
func (h *PaymentHandler) ListPayments(w http.ResponseWriter, r *http.Request) {
	actor, err := utils.ActorFromRequest(r)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	filter, err := ParseFilter(r, actor)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	page := utils.ParsePage(r)

	query := filter.Apply(h.db.Model(&models.Payment{}))

	var total int64
	if err := query.Count(&total).Error; err != nil {
		utils.RespondError(w, apperr.Internal("Error counting payments", err))
		return
	}
	var payments []models.Payment
	if err := query.Order("created_at DESC").Limit(page.PageSize).Offset(page.Offset()).Find(&payments).Error; err != nil {
		utils.RespondError(w, apperr.Internal("Error retrieving payments", err))
		return
	}

	utils.RespondJSON(w, http.StatusOK, PaginatedResponse{
		Data:       payments,
		Pagination: NewPaginationMeta(page, total),
	})
}
