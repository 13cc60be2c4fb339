// Package public maintains the group of handlers for public access.
package public

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/blocknetics/ledger/business/web/errs"
	"github.com/blocknetics/ledger/foundation/blockchain/database"
	"github.com/blocknetics/ledger/foundation/blockchain/state"
	"github.com/blocknetics/ledger/foundation/events"
	"github.com/blocknetics/ledger/foundation/nameservice"
	"github.com/blocknetics/ledger/foundation/web"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Handlers manages the set of public endpoints.
type Handlers struct {
	Log   *zap.SugaredLogger
	State *state.State
	NS    *nameservice.NameService
	WS    websocket.Upgrader
	Evts  *events.Events
}

// Events handles a web socket to provide events to a client.
func (h Handlers) Events(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	h.WS.CheckOrigin = func(r *http.Request) bool { return true }

	c, err := h.WS.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	ch := h.Evts.Acquire(v.TraceID)
	defer h.Evts.Release(v.TraceID)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, wd := <-ch:
			if !wd {
				return nil
			}

			if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return err
			}

		case <-ticker.C:
			if err := c.WriteMessage(websocket.PingMessage, []byte("ping")); err != nil {
				return nil
			}
		}
	}
}

// Status returns the node's view of the chain and the network.
func (h Handlers) Status(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	latest := h.State.LatestBlock()

	status := nodeStatus{
		NodeID:        h.State.NodeID(),
		Host:          h.State.Host(),
		LatestHash:    latest.Hash(),
		LatestNumber:  latest.Header.Number,
		ChainWork:     h.State.ChainWork().String(),
		MempoolLength: h.State.MempoolLength(),
		KnownPeers:    h.State.KnownPeers(),
	}

	return web.Respond(ctx, w, status, http.StatusOK)
}

// SubmitWalletTransaction adds a new user transaction to the mempool.
func (h Handlers) SubmitWalletTransaction(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	var signedTx database.SignedTx
	if err := web.Decode(r, &signedTx); err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	h.Log.Infow("add user tran", "traceid", v.TraceID, "from:nonce", signedTx, "to", signedTx.ToID, "value", signedTx.Value, "fee", signedTx.Fee)

	if err := h.State.UpsertWalletTransaction(signedTx); err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	resp := struct {
		Status string `json:"status"`
	}{
		Status: "transaction added to mempool",
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// Genesis returns the genesis information.
func (h Handlers) Genesis(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	gen := h.State.Genesis()
	return web.Respond(ctx, w, gen, http.StatusOK)
}

// Mempool returns the set of uncommitted transactions, optionally filtered
// to those touching the specified account.
func (h Handlers) Mempool(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	acct := web.Param(r, "account")

	mempool := h.State.Mempool()

	trans := make([]tx, 0, len(mempool))
	for _, tran := range mempool {
		account, _ := tran.FromAccount()

		if acct != "" && (acct != string(account)) && (acct != string(tran.ToID)) {
			continue
		}

		trans = append(trans, toTxModel(tran, h.NS))
	}

	return web.Respond(ctx, w, trans, http.StatusOK)
}

// Accounts returns the current balances for all accounts or one account.
func (h Handlers) Accounts(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	account := web.Param(r, "account")

	var accounts map[database.AccountID]database.Account
	switch account {
	case "":
		accounts = h.State.Accounts()

	default:
		accountID, err := database.ToAccountID(account)
		if err != nil {
			return errs.NewTrusted(err, http.StatusBadRequest)
		}

		acct, err := h.State.QueryAccount(accountID)
		if err != nil {
			return errs.NewTrusted(err, http.StatusNotFound)
		}
		accounts = map[database.AccountID]database.Account{accountID: acct}
	}

	acts := make([]info, 0, len(accounts))
	for accountID, acct := range accounts {
		acts = append(acts, info{
			Account: accountID,
			Name:    h.NS.Lookup(accountID),
			Balance: acct.Balance,
			Nonce:   acct.Nonce,
		})
	}

	ai := actInfo{
		LatestBlock: h.State.LatestBlock().Hash(),
		Uncommitted: h.State.MempoolLength(),
		Accounts:    acts,
	}

	return web.Respond(ctx, w, ai, http.StatusOK)
}

// BlocksByNumber returns the canonical blocks in the specified range. The
// value "latest" is accepted for either bound.
func (h Handlers) BlocksByNumber(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	fromStr := web.Param(r, "from")
	toStr := web.Param(r, "to")

	from, err := parseBlockNumber(fromStr)
	if err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	to, err := parseBlockNumber(toStr)
	if err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	dbBlocks := h.State.CanonicalBlocks(from, to)
	if len(dbBlocks) == 0 {
		return web.Respond(ctx, w, nil, http.StatusNoContent)
	}

	blocks := make([]block, len(dbBlocks))
	for i, blockData := range dbBlocks {
		trans := make([]tx, len(blockData.Trans))
		for j, tran := range blockData.Trans {
			trans[j] = toTxModel(tran, h.NS)
		}

		blocks[i] = block{
			Hash:          blockData.Hash,
			PrevBlockHash: blockData.Header.PrevBlockHash,
			Number:        blockData.Header.Number,
			BeneficiaryID: blockData.Header.BeneficiaryID,
			Difficulty:    blockData.Header.Difficulty,
			Nonce:         blockData.Header.Nonce,
			TimeStamp:     blockData.Header.TimeStamp,
			TransRoot:     blockData.Header.TransRoot,
			Transactions:  trans,
		}
	}

	return web.Respond(ctx, w, blocks, http.StatusOK)
}

// =============================================================================

// toTxModel converts a block transaction into its API representation.
func toTxModel(tran database.BlockTx, ns *nameservice.NameService) tx {
	account, _ := tran.FromAccount()

	return tx{
		FromAccount: account,
		FromName:    ns.Lookup(account),
		To:          tran.ToID,
		ToName:      ns.Lookup(tran.ToID),
		ChainID:     tran.ChainID,
		Nonce:       tran.Nonce,
		Value:       tran.Value,
		Fee:         tran.Fee,
		Data:        tran.Data,
		TimeStamp:   tran.TimeStamp,
		Sig:         tran.SignatureString(),
	}
}

// parseBlockNumber converts a path parameter to a block number.
func parseBlockNumber(s string) (uint64, error) {
	if s == "latest" {
		return state.QueryLatest, nil
	}

	return strconv.ParseUint(s, 10, 64)
}
