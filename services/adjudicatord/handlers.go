package adjudicatord

import (
	"log/slog"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"

	"hubchan/core/chain"
	"hubchan/sdk/chainrpc"
)

func hashParam(r *http.Request, name string) (common.Hash, error) {
	raw := chi.URLParam(r, name)
	decoded, err := hexutil.Decode(raw)
	if err != nil || len(decoded) != common.HashLength {
		return common.Hash{}, badRequest("%s must be a 32-byte hex string", name)
	}
	return common.BytesToHash(decoded), nil
}

func addressParam(r *http.Request, name string) (common.Address, error) {
	raw := chi.URLParam(r, name)
	if !common.IsHexAddress(raw) {
		return common.Address{}, badRequest("%s must be a hex address", name)
	}
	return common.HexToAddress(raw), nil
}

func (s *Server) getHeight(w http.ResponseWriter, r *http.Request) {
	height, err := s.chain.Height(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chainrpc.HeightResponse{Height: height})
}

func (s *Server) getHasPassed(w http.ResponseWriter, r *http.Request) {
	height, err := strconv.ParseUint(chi.URLParam(r, "height"), 10, 64)
	if err != nil {
		s.writeError(w, r, badRequest("height must be an unsigned integer"))
		return
	}
	passed, err := s.chain.HasPassed(r.Context(), height)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chainrpc.PredicateResponse{Predicate: "passed", Value: passed})
}

func (s *Server) getChallenge(w http.ResponseWriter, r *http.Request) {
	id, err := hashParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	challenge, err := s.chain.GetAppChallenge(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chainrpc.ChallengeFrom(challenge))
}

func (s *Server) getOutcome(w http.ResponseWriter, r *http.Request) {
	id, err := hashParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	outcome, err := s.chain.GetOutcome(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chainrpc.OutcomeResponse{Outcome: outcome})
}

func (s *Server) getPredicate(w http.ResponseWriter, r *http.Request) {
	id, err := hashParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	predicate := chi.URLParam(r, "predicate")
	switch predicate {
	case chain.PredicateDisputable, chain.PredicateProgressable, chain.PredicateCancellable, chain.PredicateFinalized:
	default:
		s.writeError(w, r, badRequest("unknown predicate %q", predicate))
		return
	}
	value, err := s.chain.Check(r.Context(), predicate, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chainrpc.PredicateResponse{Predicate: predicate, Value: value})
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	owner, err := addressParam(r, "owner")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	asset, err := addressParam(r, "asset")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := s.chain.Balance(r.Context(), owner, asset)
	s.writeAmount(w, r, amount, err)
}

func (s *Server) getFunding(w http.ResponseWriter, r *http.Request) {
	id, asset, err := instanceAsset(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := s.chain.Funding(r.Context(), id, asset)
	s.writeAmount(w, r, amount, err)
}

func (s *Server) getWithdrawn(w http.ResponseWriter, r *http.Request) {
	id, asset, err := instanceAsset(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := s.chain.TotalAmountWithdrawn(r.Context(), id, asset)
	s.writeAmount(w, r, amount, err)
}

func instanceAsset(r *http.Request) (common.Hash, common.Address, error) {
	id, err := hashParam(r, "id")
	if err != nil {
		return common.Hash{}, common.Address{}, err
	}
	asset, err := addressParam(r, "asset")
	return id, asset, err
}

func (s *Server) writeAmount(w http.ResponseWriter, r *http.Request, amount *big.Int, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if amount == nil {
		amount = new(big.Int)
	}
	writeJSON(w, http.StatusOK, chainrpc.AmountResponse{Amount: (*hexutil.Big)(amount)})
}

func (s *Server) getFundNonce(w http.ResponseWriter, r *http.Request) {
	depositor, err := addressParam(r, "depositor")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	nonce, err := s.chain.FundNonce(r.Context(), depositor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chainrpc.NonceResponse{Nonce: nonce})
}

func (s *Server) setState(w http.ResponseWriter, r *http.Request) {
	var req chainrpc.SetStateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	err := s.chain.At(req.At).SetState(r.Context(), req.Identity.AppIdentity(), req.Update.Signed())
	s.writeTx(w, r, err)
}

func (s *Server) progressState(w http.ResponseWriter, r *http.Request) {
	var req chainrpc.ProgressStateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	err := s.chain.At(req.At).ProgressState(r.Context(), req.Identity.AppIdentity(), req.Update.Signed(), req.OldState, req.Action)
	s.writeTx(w, r, err)
}

func (s *Server) setAndProgressState(w http.ResponseWriter, r *http.Request) {
	var req chainrpc.SetAndProgressStateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	err := s.chain.At(req.At).SetAndProgressState(r.Context(), req.Identity.AppIdentity(), req.Set.Signed(), req.Progress.Signed(), req.AppState, req.Action)
	s.writeTx(w, r, err)
}

func (s *Server) cancelDispute(w http.ResponseWriter, r *http.Request) {
	var req chainrpc.CancelDisputeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	err := s.chain.At(req.At).CancelDispute(r.Context(), req.Identity.AppIdentity(), req.Request())
	s.writeTx(w, r, err)
}

func (s *Server) setOutcome(w http.ResponseWriter, r *http.Request) {
	var req chainrpc.SetOutcomeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	err := s.chain.At(req.At).SetOutcome(r.Context(), req.Identity.AppIdentity(), req.FinalState)
	s.writeTx(w, r, err)
}

func (s *Server) fund(w http.ResponseWriter, r *http.Request) {
	var req chainrpc.FundRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Amount == nil {
		s.writeError(w, r, badRequest("amount required"))
		return
	}
	err := s.chain.At(req.At).Fund(r.Context(), req.Request())
	s.writeTx(w, r, err)
}

func (s *Server) writeTx(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	height, err := s.chain.Height(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chainrpc.HeightResponse{Height: height})
}

func (s *Server) mine(w http.ResponseWriter, r *http.Request) {
	var req chainrpc.MineRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Blocks == 0 {
		s.writeError(w, r, badRequest("blocks must be positive"))
		return
	}
	height, err := s.chain.Mine(r.Context(), req.Blocks)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("blocks mined",
		slog.Uint64("blocks", req.Blocks),
		slog.Uint64("height", height),
		slog.String("subject", SubjectFromContext(r.Context())))
	writeJSON(w, http.StatusOK, chainrpc.HeightResponse{Height: height})
}

func (s *Server) credit(w http.ResponseWriter, r *http.Request) {
	var req chainrpc.CreditRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount := chainrpc.Amount(req.Amount)
	if err := s.chain.Credit(r.Context(), req.Owner, req.Asset, amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("balance credited",
		slog.String("owner", req.Owner.Hex()),
		slog.String("asset", req.Asset.Hex()),
		slog.String("amount", amount.String()),
		slog.String("subject", SubjectFromContext(r.Context())))
	s.writeTx(w, r, nil)
}
