// Package api exposes the device protocol over HTTP. The device-facing
// router serves the machines; a separate local router serves operator
// tooling on a loopback port.
package api

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	coinfleet "github.com/coinfleet/coinfleet"
	"github.com/coinfleet/coinfleet/config"
	"github.com/coinfleet/coinfleet/devicestate"
	"github.com/coinfleet/coinfleet/engine"
	"github.com/coinfleet/coinfleet/idempotency"
	"github.com/coinfleet/coinfleet/ledger"
)

// ConfigSource provides the current policy document. Written by an
// external admin surface; the engine only reads it.
type ConfigSource interface {
	Load(ctx context.Context) (config.Document, error)
}

// Server wires the engine and its middleware onto gin routers.
type Server struct {
	engine  *engine.Engine
	cache   *idempotency.Cache
	devices *devicestate.Tracker
	configs ConfigSource
	log     *slog.Logger
}

func NewServer(eng *engine.Engine, cache *idempotency.Cache, devices *devicestate.Tracker, configs ConfigSource, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{engine: eng, cache: cache, devices: devices, configs: configs, log: log}
}

// Router builds the device-facing router.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.deviceIdentity(), s.filterStale(), s.idempotent())

	r.GET("/poll", s.poll)
	r.POST("/trade", s.trade)
	r.POST("/send", s.send)
	r.POST("/state", s.stateChange)
	r.POST("/cash_out", s.cashOut)
	r.POST("/dispense_ack", s.dispenseAck)
	r.POST("/event", s.deviceEvent)
	r.POST("/update_phone", s.updatePhone)
	r.GET("/phone_tx", s.phoneTx)
	r.POST("/register_redeem/:sessionId", s.registerRedeem)
	r.GET("/await_dispense/:sessionId", s.awaitDispense)
	r.POST("/dispense", s.dispense)
	return r
}

// LocalRouter builds the loopback operator router. No device middleware:
// callers are trusted local processes.
func (s *Server) LocalRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/pid", s.localPid)
	r.POST("/reboot", s.localReboot)
	return r
}

// txRequest is the wire shape of a device transaction. cryptoAtoms
// travels as a decimal string; machines cannot be trusted with float
// precision.
type txRequest struct {
	SessionID    string `json:"sessionId"`
	BillID       string `json:"billId,omitempty"`
	CryptoAtoms  string `json:"cryptoAtoms"`
	CryptoCode   string `json:"cryptoCode"`
	CurrencyCode string `json:"currencyCode"`
	Fiat         int64  `json:"fiat"`
	ToAddress    string `json:"toAddress,omitempty"`
	Phone        string `json:"phone,omitempty"`
}

func (r txRequest) atoms() (*big.Int, bool) {
	if r.CryptoAtoms == "" {
		return big.NewInt(0), true
	}
	atoms, ok := new(big.Int).SetString(r.CryptoAtoms, 10)
	return atoms, ok
}

func (r txRequest) transaction() (coinfleet.Transaction, bool) {
	atoms, ok := r.atoms()
	if !ok {
		return coinfleet.Transaction{}, false
	}
	return coinfleet.Transaction{
		SessionID:    r.SessionID,
		CryptoAtoms:  atoms,
		CryptoCode:   r.CryptoCode,
		CurrencyCode: r.CurrencyCode,
		Fiat:         r.Fiat,
		ToAddress:    r.ToAddress,
		Phone:        r.Phone,
	}, true
}

func (s *Server) session(c *gin.Context, sessionID string) coinfleet.Session {
	return coinfleet.Session{
		Fingerprint: c.GetString(fingerprintKey),
		ID:          sessionID,
		DeviceTime:  c.MustGet(deviceTimeKey).(time.Time),
	}
}

func (s *Server) document(c *gin.Context) (config.Document, bool) {
	doc, err := s.configs.Load(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return nil, false
	}
	return doc, true
}

// fail translates engine errors onto the wire. The response runs through
// the idempotency writer, so a replayed failure stays identical.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, coinfleet.ErrInsufficientFunds):
		status = coinfleet.InsufficientFundsStatus
	case errors.Is(err, ledger.ErrNoPendingTx):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrIllegalTransition):
		status = http.StatusConflict
	}

	var engineErr *coinfleet.EngineError
	if errors.As(err, &engineErr) && engineErr.Code == coinfleet.ErrCodeStaleRequest {
		status = http.StatusRequestTimeout
	}

	s.log.Error("request failed", "path", c.Request.URL.Path, "err", err)
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) poll(c *gin.Context) {
	doc, ok := s.document(c)
	if !ok {
		return
	}
	sess := s.session(c, c.Query("sessionId"))

	resp, err := s.engine.Poll(c.Request.Context(), doc, sess, c.Query("pid"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) trade(c *gin.Context) {
	var req txRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	atoms, ok := req.atoms()
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad cryptoAtoms"})
		return
	}
	sess := s.session(c, req.SessionID)

	bill := coinfleet.Bill{
		ID:           req.BillID,
		CurrencyCode: req.CurrencyCode,
		CryptoCode:   req.CryptoCode,
		ToAddress:    req.ToAddress,
		CryptoAtoms:  atoms,
		Fiat:         req.Fiat,
		DeviceTime:   sess.DeviceTime,
	}
	if err := s.engine.Trade(c.Request.Context(), sess, bill); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (s *Server) send(c *gin.Context) {
	var req txRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tx, ok := req.transaction()
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad cryptoAtoms"})
		return
	}
	doc, ok := s.document(c)
	if !ok {
		return
	}

	result, err := s.engine.Send(c.Request.Context(), doc, s.session(c, req.SessionID), tx)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) cashOut(c *gin.Context) {
	var req txRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tx, ok := req.transaction()
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad cryptoAtoms"})
		return
	}
	doc, ok := s.document(c)
	if !ok {
		return
	}

	s.log.Info("cash out", "session", req.SessionID, "crypto", req.CryptoCode, "fiat", req.Fiat)
	result, err := s.engine.CashOut(c.Request.Context(), doc, s.session(c, req.SessionID), tx)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) dispense(c *gin.Context) {
	var body struct {
		Tx txRequest `json:"tx"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tx, ok := body.Tx.transaction()
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad cryptoAtoms"})
		return
	}

	if err := s.engine.DispenseRequest(c.Request.Context(), s.session(c, body.Tx.SessionID), tx); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (s *Server) dispenseAck(c *gin.Context) {
	var body struct {
		Tx         txRequest                   `json:"tx"`
		Cartridges []coinfleet.CartridgeResult `json:"cartridges"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tx, ok := body.Tx.transaction()
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad cryptoAtoms"})
		return
	}

	if err := s.engine.DispenseAck(c.Request.Context(), s.session(c, body.Tx.SessionID), tx, body.Cartridges); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (s *Server) updatePhone(c *gin.Context) {
	notified := c.Query("notified") == "true"

	var req txRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tx, ok := req.transaction()
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad cryptoAtoms"})
		return
	}

	result, err := s.engine.UpdatePhone(c.Request.Context(), s.session(c, req.SessionID), tx, notified)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) phoneTx(c *gin.Context) {
	txs, err := s.engine.PhoneTxs(c.Request.Context(), c.Query("phone"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"txs": txs})
}

func (s *Server) registerRedeem(c *gin.Context) {
	sess := s.session(c, c.Param("sessionId"))
	if err := s.engine.RegisterRedeem(c.Request.Context(), sess); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (s *Server) awaitDispense(c *gin.Context) {
	sess := s.session(c, c.Param("sessionId"))
	tx, err := s.engine.AwaitDispense(c.Request.Context(), sess)
	if err != nil {
		s.fail(c, err)
		return
	}
	if tx == nil {
		c.Status(http.StatusNotFound)
		return
	}
	if string(tx.Status) == c.Query("status") {
		c.Status(http.StatusNotModified)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tx": tx})
}

func (s *Server) stateChange(c *gin.Context) {
	var body map[string]interface{}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.log.Info("state change", "device", c.GetString(fingerprintKey), "state", body["state"])
	c.JSON(http.StatusOK, gin.H{})
}

func (s *Server) deviceEvent(c *gin.Context) {
	var body map[string]interface{}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.engine.LogEvent(c.Request.Context(), s.session(c, ""), body)
	c.JSON(http.StatusOK, gin.H{})
}

func (s *Server) localPid(c *gin.Context) {
	rec, ok := s.devices.Pid(c.Query("fingerprint"))
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pid": rec.Pid, "ts": rec.Reported})
}

func (s *Server) localReboot(c *gin.Context) {
	var body struct {
		Fingerprint string `json:"fingerprint"`
		Pid         string `json:"pid"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Fingerprint == "" || body.Pid == "" {
		c.Status(http.StatusBadRequest)
		return
	}
	s.devices.RequestReboot(body.Fingerprint, body.Pid)
	c.Status(http.StatusOK)
}
