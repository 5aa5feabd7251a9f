// Package handler HTTP 控制面
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/exchange/simbroker/internal/account"
	"github.com/exchange/simbroker/internal/audit"
	"github.com/exchange/simbroker/internal/matching"
	"github.com/exchange/simbroker/internal/session"
	"github.com/exchange/simbroker/internal/types"
	"github.com/exchange/simbroker/pkg/errors"
	"github.com/exchange/simbroker/pkg/logger"
)

// Handler 会话控制与查询
type Handler struct {
	mgr   *session.Manager
	trail *audit.DBTrail
	log   *logger.Logger

	defaults Defaults
}

// Defaults 创建会话时的缺省参数
type Defaults struct {
	SpeedFactor     float64
	QueueCapacity   int
	CheckpointEvery int64
	DataDir         string
}

// New 创建处理器。trail 可为 nil（关闭审计查询接口）。
func New(mgr *session.Manager, trail *audit.DBTrail, defaults Defaults, log *logger.Logger) *Handler {
	return &Handler{mgr: mgr, trail: trail, defaults: defaults, log: log}
}

// Routes 注册路由
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/sessions", h.sessions)
	mux.HandleFunc("/v1/sessions/start", h.lifecycle((*session.Manager).StartSession))
	mux.HandleFunc("/v1/sessions/pause", h.lifecycle((*session.Manager).PauseSession))
	mux.HandleFunc("/v1/sessions/resume", h.lifecycle((*session.Manager).ResumeSession))
	mux.HandleFunc("/v1/sessions/stop", h.lifecycle((*session.Manager).StopSession))
	mux.HandleFunc("/v1/sessions/jump", h.jump)
	mux.HandleFunc("/v1/sessions/fastforward", h.fastForward)
	mux.HandleFunc("/v1/sessions/speed", h.speed)
	mux.HandleFunc("/v1/orders", h.orders)
	mux.HandleFunc("/v1/orders/cancel", h.cancelOrder)
	mux.HandleFunc("/v1/account", h.accountState)
	mux.HandleFunc("/v1/performance", h.performance)
	mux.HandleFunc("/v1/nbbo", h.nbbo)
	if h.trail != nil {
		mux.HandleFunc("/v1/audit", h.auditQuery)
	}
}

// createRequest 创建会话请求
type createRequest struct {
	SessionID   string   `json:"sessionId"`
	Symbols     []string `json:"symbols"`
	StartNs     int64    `json:"startNs"`
	EndNs       int64    `json:"endNs"`
	SpeedFactor float64  `json:"speedFactor"`
	Feeder      string   `json:"feeder"`

	InitialCash      float64 `json:"initialCash"`
	Leverage         float64 `json:"leverage"`
	AllowShort       *bool   `json:"allowShort"`
	ShortMarginRatio float64 `json:"shortMarginRatio"`

	MakerFeeBps      float64 `json:"makerFeeBps"`
	TakerFeeBps      float64 `json:"takerFeeBps"`
	MarketImpactBps  float64 `json:"marketImpactBps"`
	ExtraSlippageBps float64 `json:"extraSlippageBps"`
	OrderLatencyNs   int64   `json:"orderLatencyNs"`

	RejectionProbability float64 `json:"rejectionProbability"`
	SlippageBps          float64 `json:"slippageBps"`
	ExtendedHours        bool    `json:"extendedHours"`
	Seed                 int64   `json:"seed"`

	MaintenanceMarginRatio float64            `json:"maintenanceMarginRatio"`
	ForcedLiquidation      bool               `json:"forcedLiquidation"`
	SSRThresholdPct        float64            `json:"ssrThresholdPct"`
	PriorClose             map[string]float64 `json:"priorClose"`
	AutoApplyCorpActions   *bool              `json:"autoApplyCorporateActions"`

	CheckpointEvery int64 `json:"checkpointEvery"`
}

// sessionStatus 会话状态响应
type sessionStatus struct {
	SessionID       string  `json:"sessionId"`
	State           string  `json:"state"`
	SimTimeNs       int64   `json:"simTimeNs"`
	LastEventNs     int64   `json:"lastEventNs"`
	EventsProcessed int64   `json:"eventsProcessed"`
	QueueDepth      int     `json:"queueDepth"`
	Equity          float64 `json:"equity"`
}

func (h *Handler) sessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createSession(w, r)
	case http.MethodGet:
		if id := r.URL.Query().Get("id"); id != "" {
			sess, err := h.mgr.GetSession(id)
			if err != nil {
				writeError(w, http.StatusNotFound, errors.ErrSessionNotFound)
				return
			}
			writeJSON(w, http.StatusOK, status(sess))
			return
		}
		list := h.mgr.ListSessions()
		out := make([]sessionStatus, 0, len(list))
		for _, sess := range list {
			out = append(out, status(sess))
		}
		writeJSON(w, http.StatusOK, out)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.Newf(errors.CodeInvalidParam, "bad request body: %v", err))
		return
	}

	cfg := h.toSessionConfig(&req)
	sess, err := h.mgr.CreateSession(cfg)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.Newf(errors.CodeInvalidParam, "create session: %v", err))
		return
	}
	writeJSON(w, http.StatusCreated, status(sess))
}

func (h *Handler) toSessionConfig(req *createRequest) session.Config {
	acct := account.DefaultConfig()
	if req.InitialCash > 0 {
		acct.InitialCash = req.InitialCash
	}
	if req.Leverage > 0 {
		acct.Leverage = req.Leverage
	}
	if req.ShortMarginRatio > 0 {
		acct.ShortMarginRatio = req.ShortMarginRatio
	}
	if req.AllowShort != nil {
		acct.AllowShort = *req.AllowShort
	}

	mcfg := matching.DefaultConfig()
	mcfg.RejectionProbability = req.RejectionProbability
	mcfg.SlippageBps = req.SlippageBps
	mcfg.ExtendedHours = req.ExtendedHours
	if req.Seed != 0 {
		mcfg.Seed = req.Seed
	}

	speed := h.defaults.SpeedFactor
	if req.SpeedFactor > 0 {
		speed = req.SpeedFactor
	}
	ckptEvery := h.defaults.CheckpointEvery
	if req.CheckpointEvery > 0 {
		ckptEvery = req.CheckpointEvery
	}

	autoCorp := true
	if req.AutoApplyCorpActions != nil {
		autoCorp = *req.AutoApplyCorpActions
	}

	return session.Config{
		SessionID:                 req.SessionID,
		Symbols:                   req.Symbols,
		StartNs:                   req.StartNs,
		EndNs:                     req.EndNs,
		SpeedFactor:               speed,
		QueueCapacity:             h.defaults.QueueCapacity,
		Matching:                  mcfg,
		Account:                   acct,
		MakerFeeBps:               req.MakerFeeBps,
		TakerFeeBps:               req.TakerFeeBps,
		MarketImpactBps:           req.MarketImpactBps,
		ExtraSlippageBps:          req.ExtraSlippageBps,
		OrderLatencyNs:            req.OrderLatencyNs,
		MaintenanceMarginRatio:    req.MaintenanceMarginRatio,
		ForcedLiquidation:         req.ForcedLiquidation,
		SSRThresholdPct:           req.SSRThresholdPct,
		PriorClose:                req.PriorClose,
		AutoApplyCorporateActions: autoCorp,
		DataDir:                   h.defaults.DataDir,
		CheckpointEvery:           ckptEvery,
		Feeder:                    parseFeeder(req.Feeder),
	}
}

func parseFeeder(v string) session.FeederStrategy {
	switch v {
	case "POLLING":
		return session.FeederPolling
	case "SHARED":
		return session.FeederShared
	default:
		return session.FeederPreload
	}
}

// lifecycle start/pause/resume/stop 共用骨架
func (h *Handler) lifecycle(op func(*session.Manager, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := r.URL.Query().Get("id")
		if id == "" {
			writeError(w, http.StatusBadRequest, errors.New(errors.CodeInvalidParam, "id required"))
			return
		}
		if err := op(h.mgr, id); err != nil {
			writeOpError(w, err)
			return
		}
		sess, err := h.mgr.GetSession(id)
		if err != nil {
			writeError(w, http.StatusNotFound, errors.ErrSessionNotFound)
			return
		}
		writeJSON(w, http.StatusOK, status(sess))
	}
}

func (h *Handler) jump(w http.ResponseWriter, r *http.Request) {
	h.seek(w, r, func(sess *session.Session, ts int64) error { return sess.JumpTo(ts) })
}

func (h *Handler) fastForward(w http.ResponseWriter, r *http.Request) {
	h.seek(w, r, func(sess *session.Session, ts int64) error { return sess.FastForward(ts) })
}

func (h *Handler) seek(w http.ResponseWriter, r *http.Request, op func(*session.Session, int64) error) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, ok := h.sessionFromQuery(w, r, "id")
	if !ok {
		return
	}
	ts, err := strconv.ParseInt(r.URL.Query().Get("targetNs"), 10, 64)
	if err != nil || ts <= 0 {
		writeError(w, http.StatusBadRequest, errors.New(errors.CodeInvalidParam, "targetNs required"))
		return
	}
	if err := op(sess, ts); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status(sess))
}

func (h *Handler) speed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, ok := h.sessionFromQuery(w, r, "id")
	if !ok {
		return
	}
	factor, err := strconv.ParseFloat(r.URL.Query().Get("factor"), 64)
	if err != nil || factor < 0 {
		writeError(w, http.StatusBadRequest, errors.New(errors.CodeInvalidParam, "factor required"))
		return
	}
	sess.SetSpeedFactor(factor)
	writeJSON(w, http.StatusOK, status(sess))
}

// orderRequest 下单请求
type orderRequest struct {
	SessionID    string  `json:"sessionId"`
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	Type         string  `json:"type"`
	TimeInForce  string  `json:"timeInForce"`
	Qty          float64 `json:"qty"`
	LimitPrice   float64 `json:"limitPrice"`
	StopPrice    float64 `json:"stopPrice"`
	TrailPrice   float64 `json:"trailPrice"`
	TrailPercent float64 `json:"trailPercent"`
}

// rejectResponse 拒单响应
type rejectResponse struct {
	Rejected bool   `json:"rejected"`
	Reason   string `json:"reason"`
}

func (h *Handler) orders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.submitOrder(w, r)
	case http.MethodGet:
		sess, ok := h.sessionFromQuery(w, r, "sessionId")
		if !ok {
			return
		}
		if orderID := r.URL.Query().Get("orderId"); orderID != "" {
			order, found := sess.Order(orderID)
			if !found {
				writeError(w, http.StatusNotFound, errors.ErrOrderNotFound)
				return
			}
			writeJSON(w, http.StatusOK, order)
			return
		}
		writeJSON(w, http.StatusOK, sess.Orders())
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) submitOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.Newf(errors.CodeInvalidParam, "bad request body: %v", err))
		return
	}
	sess, err := h.mgr.GetSession(req.SessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, errors.ErrSessionNotFound)
		return
	}

	order := &types.Order{
		Symbol:       req.Symbol,
		Side:         parseSide(req.Side),
		Type:         parseOrderType(req.Type),
		TimeInForce:  parseTIF(req.TimeInForce),
		Qty:          req.Qty,
		LimitPrice:   req.LimitPrice,
		StopPrice:    req.StopPrice,
		TrailPrice:   req.TrailPrice,
		TrailPercent: req.TrailPercent,
	}

	placed, reason := sess.SubmitOrder(order)
	if reason != errors.RejectNone {
		writeJSON(w, http.StatusUnprocessableEntity, rejectResponse{Rejected: true, Reason: string(reason)})
		return
	}
	writeJSON(w, http.StatusCreated, placed)
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, ok := h.sessionFromQuery(w, r, "sessionId")
	if !ok {
		return
	}
	orderID := r.URL.Query().Get("orderId")
	if orderID == "" {
		writeError(w, http.StatusBadRequest, errors.New(errors.CodeInvalidParam, "orderId required"))
		return
	}
	if err := sess.CancelOrder(orderID); err != nil {
		writeOpError(w, err)
		return
	}
	order, _ := sess.Order(orderID)
	writeJSON(w, http.StatusOK, order)
}

// accountResponse 账户响应
type accountResponse struct {
	Account   account.State               `json:"account"`
	Positions map[string]account.Position `json:"positions"`
}

func (h *Handler) accountState(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.sessionFromQuery(w, r, "sessionId")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, accountResponse{
		Account:   sess.Ledger().State(),
		Positions: sess.Ledger().Positions(),
	})
}

func (h *Handler) performance(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.sessionFromQuery(w, r, "sessionId")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Performance())
}

func (h *Handler) nbbo(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.sessionFromQuery(w, r, "sessionId")
	if !ok {
		return
	}
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, errors.New(errors.CodeInvalidParam, "symbol required"))
		return
	}
	n := sess.Engine().NBBO(symbol)
	if n == nil {
		writeError(w, http.StatusNotFound, errors.Newf(errors.CodeNotFound, "no quote for %s", symbol))
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (h *Handler) auditQuery(w http.ResponseWriter, r *http.Request) {
	filter := audit.QueryFilter{
		SessionID: r.URL.Query().Get("sessionId"),
		EventType: audit.EventType(r.URL.Query().Get("eventType")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil {
			filter.Limit = limit
		}
	}

	entries, err := h.trail.Query(r.Context(), &filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errors.Newf(errors.CodeInternal, "audit query: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) sessionFromQuery(w http.ResponseWriter, r *http.Request, key string) (*session.Session, bool) {
	id := r.URL.Query().Get(key)
	if id == "" {
		writeError(w, http.StatusBadRequest, errors.Newf(errors.CodeInvalidParam, "%s required", key))
		return nil, false
	}
	sess, err := h.mgr.GetSession(id)
	if err != nil {
		writeError(w, http.StatusNotFound, errors.ErrSessionNotFound)
		return nil, false
	}
	return sess, true
}

func status(sess *session.Session) sessionStatus {
	lastNs, processed := sess.Watermark()
	return sessionStatus{
		SessionID:       sess.ID(),
		State:           sess.State().String(),
		SimTimeNs:       sess.SimTimeNs(),
		LastEventNs:     lastNs,
		EventsProcessed: processed,
		QueueDepth:      sess.QueueDepth(),
		Equity:          sess.Ledger().State().Equity,
	}
}

func parseSide(v string) types.Side {
	switch v {
	case "BUY":
		return types.SideBuy
	case "SELL":
		return types.SideSell
	default:
		return 0
	}
}

func parseOrderType(v string) types.OrderType {
	switch v {
	case "MARKET":
		return types.OrderMarket
	case "LIMIT":
		return types.OrderLimit
	case "STOP":
		return types.OrderStop
	case "STOP_LIMIT":
		return types.OrderStopLimit
	case "TRAILING_STOP":
		return types.OrderTrailingStop
	default:
		return 0
	}
}

func parseTIF(v string) types.TimeInForce {
	switch v {
	case "DAY":
		return types.TIFDay
	case "IOC":
		return types.TIFIOC
	case "FOK":
		return types.TIFFOK
	case "OPG":
		return types.TIFOPG
	case "CLS":
		return types.TIFCLS
	default:
		return types.TIFGTC
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err *errors.Error) {
	writeJSON(w, status, err)
}

func writeOpError(w http.ResponseWriter, err error) {
	if e, ok := err.(*errors.Error); ok {
		switch e.Code {
		case errors.CodeSessionNotFound, errors.CodeOrderNotFound, errors.CodeNotFound:
			writeError(w, http.StatusNotFound, e)
		case errors.CodeSessionNotRunning, errors.CodeSessionStopped:
			writeError(w, http.StatusConflict, e)
		default:
			writeError(w, http.StatusBadRequest, e)
		}
		return
	}
	writeError(w, http.StatusInternalServerError, errors.Newf(errors.CodeInternal, "%v", err))
}
