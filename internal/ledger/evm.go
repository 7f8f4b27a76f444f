package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"github.com/duelarena/battle-engine/internal/model"
)

// Battle contract call data.
const (
	// getBattleSelector is the 4-byte selector of getBattle(uint256).
	getBattleSelector = "8e1a55fc"

	// poolDecimals is the USDC precision used for all pool amounts on-chain.
	poolDecimals = 6

	// battleWords is the fixed word count of the getBattle return tuple.
	battleWords = 14
)

// On-chain status codes.
const (
	evmStatusPending = iota
	evmStatusActive
	evmStatusSettled
	evmStatusCancelled
)

// EVM is a read-only adapter over the authoritative battle contract. It
// implements Reader for the reconciler; it never mutates anything.
//
// On-chain battles are numbered, so ids must be decimal integer strings.
// The contract stores the settlement-relevant subset of a battle: wallets,
// sides, alive flags, winner, pools, escalation level, timing, and tier.
type EVM struct {
	rpcURL     string
	contract   common.Address
	httpClient *http.Client
}

// NewEVM creates an adapter for the battle contract at contractAddr.
func NewEVM(rpcURL, contractAddr string) (*EVM, error) {
	if !common.IsHexAddress(contractAddr) {
		return nil, fmt.Errorf("ledger: invalid contract address %q", contractAddr)
	}
	return &EVM{
		rpcURL:     rpcURL,
		contract:   common.HexToAddress(contractAddr),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// GetBattle fetches and decodes one battle record. Transport failures wrap
// ErrUnavailable so callers retry instead of guessing.
func (c *EVM) GetBattle(ctx context.Context, id string) (*model.Battle, error) {
	num, ok := new(big.Int).SetString(id, 10)
	if !ok {
		return nil, fmt.Errorf("%w: non-numeric battle id %q", ErrBattleNotFound, id)
	}

	data := fmt.Sprintf("0x%s%064x", getBattleSelector, num)
	result, err := c.ethCall(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(result) < battleWords*32 {
		return nil, fmt.Errorf("ledger: short getBattle response: %d bytes", len(result))
	}

	return decodeBattle(id, result)
}

// ethCall performs an eth_call RPC request against the battle contract.
func (c *EVM) ethCall(ctx context.Context, data string) ([]byte, error) {
	payload := map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "eth_call",
		"params": []interface{}{
			map[string]string{
				"to":   c.contract.Hex(),
				"data": data,
			},
			"latest",
		},
		"id": 1,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rpc request failed: %w", err)
	}
	defer resp.Body.Close()

	var rpcResp struct {
		Result string `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("rpc error: %s", rpcResp.Error.Message)
	}
	if len(rpcResp.Result) < 2 {
		return nil, fmt.Errorf("empty rpc result")
	}

	return hexutil.Decode(rpcResp.Result)
}

// decodeBattle parses the getBattle return tuple. Word layout:
//
//	0 battleId        5 winner wallet   10 longPool
//	1 long wallet     6 startTime       11 shortPool
//	2 short wallet    7 endTime         12 totalPool
//	3 longAlive       8 status          13 isPrimary
//	4 shortAlive      9 escalationLevel
func decodeBattle(id string, result []byte) (*model.Battle, error) {
	word := func(i int) []byte { return result[i*32 : (i+1)*32] }
	flag := func(i int) bool { return new(big.Int).SetBytes(word(i)).Sign() != 0 }
	amount := func(i int) decimal.Decimal {
		return decimal.NewFromBigInt(new(big.Int).SetBytes(word(i)), -poolDecimals)
	}

	longWallet := common.BytesToAddress(word(1))
	shortWallet := common.BytesToAddress(word(2))
	winnerWallet := common.BytesToAddress(word(5))
	startTime := time.Unix(new(big.Int).SetBytes(word(6)).Int64(), 0).UTC()
	endTime := time.Unix(new(big.Int).SetBytes(word(7)).Int64(), 0).UTC()

	var status model.Status
	switch new(big.Int).SetBytes(word(8)).Int64() {
	case evmStatusPending:
		status = model.StatusPending
	case evmStatusActive:
		status = model.StatusActive
	case evmStatusSettled:
		status = model.StatusSettled
	case evmStatusCancelled:
		status = model.StatusCancelled
	default:
		return nil, fmt.Errorf("ledger: unknown battle status in getBattle response")
	}

	tier := model.TierSecondary
	if flag(13) {
		tier = model.TierPrimary
	}

	b := &model.Battle{
		ID:   id,
		Tier: tier,
		PositionA: &model.Position{
			Side:    model.SideLong,
			Sponsor: longWallet.Hex(),
			Alive:   flag(3),
		},
		PositionB: &model.Position{
			Side:    model.SideShort,
			Sponsor: shortWallet.Hex(),
			Alive:   flag(4),
		},
		StartTime:       startTime,
		EndTime:         endTime,
		Status:          status,
		EscalationLevel: int(new(big.Int).SetBytes(word(9)).Int64()),
		LongPool:        amount(10),
		ShortPool:       amount(11),
		TotalPool:       amount(12),
	}

	// Winner is recomputed strictly from wallet identity — the zero address
	// on a settled battle means Draw.
	if status == model.StatusSettled {
		switch {
		case winnerWallet == (common.Address{}):
			b.Winner = model.WinnerDraw
		case winnerWallet == longWallet:
			b.Winner = model.WinnerLong
		case winnerWallet == shortWallet:
			b.Winner = model.WinnerShort
		default:
			return nil, fmt.Errorf("ledger: winner wallet %s matches neither position", winnerWallet.Hex())
		}
	}

	return b, nil
}
