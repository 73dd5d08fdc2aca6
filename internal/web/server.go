package web

import (
	"encoding/json"
	"fmt"
	"net/http"

	"apein-client/internal/logger"
	"apein-client/internal/models"
)

// Purchaser 购买入账接口
type Purchaser interface {
	Purchase(playerAddress string, quantity int) (models.PlayBalance, error)
}

// Server 支付确认回调服务：商店支付完成后把购买的游玩次数入账
type Server struct {
	purchaser Purchaser
	logger    *logger.Logger
	mux       *http.ServeMux
}

// paymentConfirmation 支付确认载荷
type paymentConfirmation struct {
	PlayerAddress string `json:"playerAddress"`
	Quantity      int    `json:"quantity"`
	PaymentID     string `json:"paymentId"`
}

// NewServer 创建回调服务
func NewServer(purchaser Purchaser, log *logger.Logger) *Server {
	s := &Server{
		purchaser: purchaser,
		logger:    log,
		mux:       http.NewServeMux(),
	}
	s.mux.HandleFunc("/api/payments/confirm", s.handlePaymentConfirm)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	return s
}

// ServeHTTP 实现http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handlePaymentConfirm 支付确认入账：购买无条件入账，不受当前余额限制
func (s *Server) handlePaymentConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "仅支持POST")
		return
	}

	var confirmation paymentConfirmation
	if err := json.NewDecoder(r.Body).Decode(&confirmation); err != nil {
		s.writeError(w, http.StatusBadRequest, "载荷解析失败")
		return
	}
	if confirmation.PlayerAddress == "" {
		s.writeError(w, http.StatusBadRequest, "缺少玩家地址")
		return
	}
	if confirmation.Quantity <= 0 {
		s.writeError(w, http.StatusBadRequest, "购买数量必须为正数")
		return
	}

	balance, err := s.purchaser.Purchase(confirmation.PlayerAddress, confirmation.Quantity)
	if err != nil {
		s.logger.Error("支付入账失败 payment=%s: %v", confirmation.PaymentID, err)
		s.writeError(w, http.StatusInternalServerError, "入账失败")
		return
	}

	s.logger.Info("支付确认入账 payment=%s 玩家=%s 数量=%d 余额=%d",
		confirmation.PaymentID, confirmation.PlayerAddress, confirmation.Quantity, balance.FreePlays)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success":   true,
		"freePlays": balance.FreePlays,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
