package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	paymentdomain "github.com/arenda-io/arenda/internal/payment/domain"
	refunddomain "github.com/arenda-io/arenda/internal/refund/domain"
	"github.com/arenda-io/arenda/pkg/db/pagination"
)

type createPaymentSheetRequest struct {
	BookingID string `json:"booking_id" binding:"required"`
}

func (s *Server) CreatePaymentSheet(c *gin.Context) {
	var req createPaymentSheetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	bookingID, err := parseSnowflake(req.BookingID)
	if err != nil {
		AbortWithError(c, newValidationError("booking_id", "invalid_booking_id", "booking id must be a numeric id"))
		return
	}

	sheet, err := s.paymentSvc.CreatePaymentSheet(c.Request.Context(), paymentdomain.CreatePaymentSheetInput{
		BookingID: bookingID,
		UserID:    currentUserID(c),
		Email:     currentUserEmail(c),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, sheet)
}

type confirmPaymentRequest struct {
	BookingID       string `json:"booking_id"`
	PaymentIntentID string `json:"payment_intent_id" binding:"required"`
}

func (s *Server) ConfirmPayment(c *gin.Context) {
	var req confirmPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	var bookingID snowflake.ID
	if req.BookingID != "" {
		id, err := parseSnowflake(req.BookingID)
		if err != nil {
			AbortWithError(c, newValidationError("booking_id", "invalid_booking_id", "booking id must be a numeric id"))
			return
		}
		bookingID = id
	}

	record, err := s.paymentSvc.Confirm(c.Request.Context(), paymentdomain.ConfirmInput{
		BookingID: bookingID,
		UserID:    currentUserID(c),
		IntentID:  req.PaymentIntentID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, record)
}

type cancelPaymentRequest struct {
	PaymentIntentID string `json:"payment_intent_id" binding:"required"`
}

func (s *Server) CancelPayment(c *gin.Context) {
	var req cancelPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	record, err := s.paymentSvc.Cancel(c.Request.Context(), paymentdomain.CancelInput{
		UserID:   currentUserID(c),
		IntentID: req.PaymentIntentID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, record)
}

type requestRefundRequest struct {
	BookingID string `json:"booking_id" binding:"required"`
	Reason    string `json:"reason"`
}

func (s *Server) RequestRefund(c *gin.Context) {
	var req requestRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	bookingID, err := parseSnowflake(req.BookingID)
	if err != nil {
		AbortWithError(c, newValidationError("booking_id", "invalid_booking_id", "booking id must be a numeric id"))
		return
	}

	result, err := s.refundSvc.RequestRefund(c.Request.Context(), refunddomain.RequestRefundInput{
		BookingID: bookingID,
		UserID:    currentUserID(c),
		Reason:    strings.TrimSpace(req.Reason),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

type processRefundRequestRequest struct {
	Approve *bool  `json:"approve" binding:"required"`
	Note    string `json:"note"`
}

func (s *Server) ProcessRefundRequest(c *gin.Context) {
	requestID, err := parseSnowflake(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_request_id", "request id must be a numeric id"))
		return
	}

	var req processRefundRequestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.refundSvc.DecideRefundRequest(c.Request.Context(), refunddomain.DecideInput{
		RequestID:  requestID,
		LandlordID: currentUserID(c),
		Approve:    *req.Approve,
		Note:       strings.TrimSpace(req.Note),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) ListPaymentHistory(c *gin.Context) {
	var p pagination.Pagination
	if err := c.ShouldBindQuery(&p); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	records, pageInfo, err := s.paymentSvc.History(c.Request.Context(), currentUserID(c), p)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"payments":  records,
		"page_info": pageInfo,
	})
}

func (s *Server) GetPaymentByID(c *gin.Context) {
	id, err := parseSnowflake(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_payment_id", "payment id must be a numeric id"))
		return
	}

	record, err := s.paymentSvc.Get(c.Request.Context(), currentUserID(c), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, record)
}

func parseSnowflake(v string) (snowflake.ID, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || id == 0 {
		return 0, ErrInvalidRequest
	}
	return snowflake.ID(id), nil
}
