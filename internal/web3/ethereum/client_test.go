package ethereum

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"AgentPay/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/ethereum/go-ethereum/params"
)

func TestLookupNativeTransfer(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	payee := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	sim := simulated.NewBackend(coretypes.GenesisAlloc{
		from: {Balance: new(big.Int).Mul(big.NewInt(10), big.NewInt(params.Ether))},
	})
	t.Cleanup(func() { _ = sim.Close() })
	backend := sim.Client()

	client := NewWithBackend(Config{Network: "devnet"}, backend)
	t.Cleanup(client.Close)

	chainID, err := backend.ChainID(ctx)
	if err != nil {
		t.Fatalf("chain id: %v", err)
	}
	nonce, err := backend.PendingNonceAt(ctx, from)
	if err != nil {
		t.Fatalf("nonce: %v", err)
	}
	head, err := backend.HeaderByNumber(ctx, nil)
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	tip := big.NewInt(params.GWei)
	feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
	amount := big.NewInt(1_500_000)

	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       params.TxGas,
		To:        &payee,
		Value:     amount,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := backend.SendTransaction(ctx, signed); err != nil {
		t.Fatalf("send: %v", err)
	}
	sim.Commit()

	info, err := client.LookupTransaction(ctx, signed.Hash().Hex())
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !info.Succeeded || info.Pending {
		t.Fatalf("expected mined successful transaction, got %+v", info)
	}
	if info.Confirmations != 1 {
		t.Fatalf("expected 1 confirmation, got %d", info.Confirmations)
	}
	if len(info.Transfers) != 1 {
		t.Fatalf("expected one transfer, got %d", len(info.Transfers))
	}
	transfer := info.Transfers[0]
	if !strings.EqualFold(transfer.To, payee.Hex()) || !strings.EqualFold(transfer.From, from.Hex()) {
		t.Fatalf("unexpected transfer parties %+v", transfer)
	}
	if transfer.Asset != "ETH" || transfer.Amount.Cmp(amount) != 0 {
		t.Fatalf("unexpected transfer value %+v", transfer)
	}

	sim.Commit()
	sim.Commit()
	info, err = client.LookupTransaction(ctx, signed.Hash().Hex())
	if err != nil {
		t.Fatalf("lookup after commits: %v", err)
	}
	if info.Confirmations != 3 {
		t.Fatalf("expected 3 confirmations, got %d", info.Confirmations)
	}

	snapshot, err := client.FetchChainSnapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.ChainID != "0x"+chainID.Text(16) || snapshot.Network != "devnet" {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
}

func TestLookupUnknownTransaction(t *testing.T) {
	t.Parallel()

	sim := simulated.NewBackend(coretypes.GenesisAlloc{})
	t.Cleanup(func() { _ = sim.Close() })
	client := NewWithBackend(Config{Network: "devnet"}, sim.Client())

	ctx := context.Background()
	_, err := client.LookupTransaction(ctx, common.HexToHash("0x01").Hex())
	if !errors.Is(err, web3.ErrTransactionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	for _, ref := range []string{"", "abc", "0x1234", "0x" + strings.Repeat("zz", 32)} {
		if _, err := client.LookupTransaction(ctx, ref); !errors.Is(err, web3.ErrInvalidReference) {
			t.Fatalf("reference %q: expected invalid reference, got %v", ref, err)
		}
	}
}

func TestTokenTransfersDecodesERC20Logs(t *testing.T) {
	t.Parallel()

	usdc := common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	client := NewWithBackend(Config{Assets: map[string]string{"USDC": usdc.Hex()}}, nil)

	from := common.HexToAddress("0x1111111111111111111111111111111111111111")
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	amount := big.NewInt(250_000)
	unknownToken := common.HexToAddress("0x3333333333333333333333333333333333333333")

	logs := []*coretypes.Log{
		{
			Address: usdc,
			Topics:  []common.Hash{transferTopic, common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())},
			Data:    common.LeftPadBytes(amount.Bytes(), 32),
		},
		{
			Address: unknownToken,
			Topics:  []common.Hash{transferTopic, common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())},
			Data:    common.LeftPadBytes(big.NewInt(7).Bytes(), 32),
		},
		{
			Address: usdc,
			Topics:  []common.Hash{crypto.Keccak256Hash([]byte("Approval(address,address,uint256)"))},
		},
	}

	transfers := client.tokenTransfers(logs)
	if len(transfers) != 2 {
		t.Fatalf("expected 2 transfers, got %d", len(transfers))
	}
	if transfers[0].Asset != "USDC" || transfers[0].Amount.Cmp(amount) != 0 {
		t.Fatalf("unexpected first transfer %+v", transfers[0])
	}
	if transfers[0].From != from.Hex() || transfers[0].To != to.Hex() {
		t.Fatalf("unexpected parties %+v", transfers[0])
	}
	if transfers[1].Asset != unknownToken.Hex() {
		t.Fatalf("expected raw contract address for unknown token, got %s", transfers[1].Asset)
	}
}
