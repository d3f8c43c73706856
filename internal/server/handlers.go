package server

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/lottery/internal/chain"
	"github.com/mbd888/lottery/internal/funding"
	"github.com/mbd888/lottery/internal/logging"
	"github.com/mbd888/lottery/internal/lottery"
	"github.com/mbd888/lottery/internal/rounds"
)

const (
	defaultRoundsLimit = 20
	maxRoundsLimit     = 200
)

// -----------------------------------------------------------------------------
// Responses
// -----------------------------------------------------------------------------

// RequestResponse describes a randomness request.
type RequestResponse struct {
	RequestID string   `json:"requestId"`
	RoundID   string   `json:"roundId,omitempty"`
	TxHash    string   `json:"txHash,omitempty"`
	Players   []string `json:"players"`
	Pot       string   `json:"pot"`
}

func newRequestResponse(req *lottery.Request) RequestResponse {
	resp := RequestResponse{
		RequestID: req.IDHex(),
		RoundID:   req.RoundID,
		Players:   addrStrings(req.Players),
		Pot:       "0",
	}
	if req.TxHash != (common.Hash{}) {
		resp.TxHash = req.TxHash.Hex()
	}
	if req.Pot != nil {
		resp.Pot = req.Pot.String()
	}
	return resp
}

// OutcomeResponse describes a resolved round.
type OutcomeResponse struct {
	RequestID   string   `json:"requestId"`
	RoundID     string   `json:"roundId,omitempty"`
	Winner      string   `json:"winner"`
	WinnerIndex int      `json:"winnerIndex"`
	Randomness  string   `json:"randomness"`
	Pot         string   `json:"pot"`
	Players     []string `json:"players"`
}

func newOutcomeResponse(out *lottery.Outcome) OutcomeResponse {
	return OutcomeResponse{
		RequestID:   common.Hash(out.RequestID).Hex(),
		RoundID:     out.RoundID,
		Winner:      out.Winner.Hex(),
		WinnerIndex: out.WinnerIndex,
		Randomness:  out.Randomness.String(),
		Pot:         out.Pot.String(),
		Players:     addrStrings(out.Players),
	}
}

func addrStrings(addrs []common.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.Hex()
	}
	return out
}

// writeError maps orchestrator and chain errors to HTTP statuses.
func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	body := gin.H{}
	switch {
	case errors.Is(err, lottery.ErrUnknownRequest):
		status, code = http.StatusConflict, "unknown_request"
	case errors.Is(err, lottery.ErrRejectedByContract):
		status, code = http.StatusConflict, "rejected_by_contract"
		body["reason"] = chain.RevertReason(err)
	case errors.Is(err, lottery.ErrNothingOutstanding):
		status, code = http.StatusConflict, "nothing_outstanding"
	case errors.Is(err, rounds.ErrRoundNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, chain.ErrUnknownAccount):
		status, code = http.StatusBadRequest, "unknown_account"
	case errors.Is(err, chain.ErrTransport):
		status, code = http.StatusBadGateway, "transport_failure"
	case errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusGatewayTimeout, "timeout"
	}
	if status >= 500 {
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
	}
	body["error"] = code
	body["message"] = err.Error()
	c.AbortWithStatusJSON(status, body)
}

// -----------------------------------------------------------------------------
// Reads
// -----------------------------------------------------------------------------

func (s *Server) infoHandler(c *gin.Context) {
	oracle := "network"
	if s.fulfiller != nil {
		oracle = "simulated"
	}
	info := gin.H{
		"name":    "lottery",
		"version": Version,
		"network": s.cfg.Network,
		"lottery": s.lottery.Address().Hex(),
		"oracle":  oracle,
	}
	if s.operator != (common.Address{}) {
		info["operator"] = s.operator.Hex()
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) snapshotHandler(c *gin.Context) {
	snap, err := s.lottery.Snapshot(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) entranceFeeHandler(c *gin.Context) {
	fee, err := s.lottery.EntranceFee(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wei": fee.String(), "ether": chain.FromWei(fee)})
}

func (s *Server) listRoundsHandler(c *gin.Context) {
	limit := defaultRoundsLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit", "message": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxRoundsLimit)
	}

	list, err := s.lottery.Journal().List(c.Request.Context(), s.lottery.Address().Hex(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if list == nil {
		list = []*rounds.Round{}
	}
	c.JSON(http.StatusOK, gin.H{"rounds": list, "count": len(list)})
}

func (s *Server) getRoundHandler(c *gin.Context) {
	round, err := s.lottery.Journal().Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, round)
}

func (s *Server) statsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"realtime": s.realtimeHub.Stats()})
}

// -----------------------------------------------------------------------------
// Actions
// -----------------------------------------------------------------------------

// EnterRequest buys a ticket for From. Value is in ether and defaults to the
// current entrance fee.
type EnterRequest struct {
	From  string `json:"from" binding:"required"`
	Value string `json:"value"`
}

func (s *Server) startHandler(c *gin.Context) {
	if err := s.lottery.StartLottery(c.Request.Context(), s.operator); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": lottery.StateOpen.String()})
}

func (s *Server) enterHandler(c *gin.Context) {
	var req EnterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if !common.IsHexAddress(req.From) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "from must be a 0x-prefixed account address"})
		return
	}

	ctx := c.Request.Context()
	var value *big.Int
	if req.Value == "" {
		fee, err := s.lottery.EntranceFee(ctx)
		if err != nil {
			writeError(c, err)
			return
		}
		value = fee
	} else {
		v, err := chain.ToWei(req.Value)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_value", "message": err.Error()})
			return
		}
		value = v
	}

	from := common.HexToAddress(req.From)
	if err := s.lottery.Enter(ctx, from, value); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"player": from.Hex(), "value": value.String()})
}

func (s *Server) fundHandler(c *gin.Context) {
	if s.linkToken == (common.Address{}) {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "funding_disabled", "message": "No LINK token is configured for this server"})
		return
	}
	res, err := funding.FundWithAsset(c.Request.Context(), s.client, s.linkToken, s.operator, s.lottery.Address(), s.cfg.LinkFundWei())
	if err != nil {
		if errors.Is(err, funding.ErrInsufficientAsset) {
			c.JSON(http.StatusConflict, gin.H{"error": "insufficient_link", "message": err.Error()})
			return
		}
		writeError(c, err)
		return
	}
	resp := gin.H{
		"token":       res.Token.Hex(),
		"balance":     res.After.String(),
		"transferred": res.Transferred.String(),
	}
	if !res.Skipped() {
		resp["txHash"] = res.TxHash.Hex()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) endHandler(c *gin.Context) {
	req, err := s.lottery.EndLottery(c.Request.Context(), s.operator)
	if err != nil {
		writeError(c, err)
		return
	}
	s.mu.Lock()
	s.pending = req
	s.mu.Unlock()
	c.JSON(http.StatusAccepted, newRequestResponse(req))
}

func (s *Server) resolveHandler(c *gin.Context) {
	ctx := c.Request.Context()
	req, err := s.pendingRequest(ctx)
	if err != nil {
		writeError(c, err)
		return
	}

	var out *lottery.Outcome
	if s.fulfiller != nil {
		out, err = s.lottery.Resolve(ctx, req, s.fulfiller)
	} else {
		out, err = s.lottery.Await(ctx, req)
	}
	if err == nil || errors.Is(err, lottery.ErrUnknownRequest) {
		s.clearPending(req)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newOutcomeResponse(out))
}

func (s *Server) drawHandler(c *gin.Context) {
	out, err := s.lottery.Draw(c.Request.Context(), s.operator, s.fulfiller)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newOutcomeResponse(out))
}

// pendingRequest returns the request ended by this process, or rebuilds the
// one the contract is waiting on.
func (s *Server) pendingRequest(ctx context.Context) (*lottery.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil && !s.pending.Consumed() {
		return s.pending, nil
	}
	req, err := s.lottery.Recover(ctx)
	if err != nil {
		return nil, err
	}
	s.pending = req
	return req, nil
}

func (s *Server) clearPending(req *lottery.Request) {
	s.mu.Lock()
	if s.pending == req {
		s.pending = nil
	}
	s.mu.Unlock()
}
