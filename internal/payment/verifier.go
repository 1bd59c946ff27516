package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	xerrors "AgentPay/internal/errors"
	"AgentPay/internal/observability/metrics"
	"AgentPay/internal/web3"
	"AgentPay/pkg/logger"
)

// Verifier 确认一笔链上交易确实按报价向正确的收款方支付了足额的指定资产，且未被使用过。
type Verifier struct {
	readers       web3.ReaderResolver
	replay        ReplayGuard
	confirmations uint64
}

// VerifierOption 用于定制 Verifier。
type VerifierOption func(*Verifier)

// WithConfirmations 设置要求的最少确认数，0 按 1 处理。
func WithConfirmations(n uint64) VerifierOption {
	return func(v *Verifier) {
		if n > 0 {
			v.confirmations = n
		}
	}
}

// NewVerifier 创建支付验证器。
func NewVerifier(readers web3.ReaderResolver, replay ReplayGuard, opts ...VerifierOption) *Verifier {
	if replay == nil {
		replay = NewMemoryReplayGuard()
	}
	v := &Verifier{readers: readers, replay: replay, confirmations: 1}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Verify 依次执行校验并在第一处失败时返回带原因的 PAYMENT_REJECTED 错误。
// 链上查询阶段失败会撤销已消费标记，以便交易确认后可以重试同一引用。
func (v *Verifier) Verify(ctx context.Context, proof Proof, expected Expected) (Receipt, error) {
	reference := strings.TrimSpace(proof.Reference)
	if reference == "" {
		return Receipt{}, xerrors.New(xerrors.CodeValidation, "交易引用不能为空")
	}

	receipt, err := v.verify(ctx, reference, proof, expected)
	outcome := "verified"
	if err != nil {
		outcome = string(ReasonOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	metrics.ObserveVerification(expected.Network, outcome)
	logger.Audit().Info("支付验证完成",
		slog.String("network", proof.Network),
		slog.String("reference", reference),
		slog.String("payee", proof.Payee),
		slog.Int64("amount", proof.Amount),
		slog.String("outcome", outcome),
	)
	return receipt, err
}

func (v *Verifier) verify(ctx context.Context, reference string, proof Proof, expected Expected) (Receipt, error) {
	if proof.Network != expected.Network {
		return Receipt{}, Rejected(ReasonNetworkMismatch, fmt.Sprintf("expected %s, got %s", expected.Network, proof.Network))
	}
	if !strings.EqualFold(strings.TrimSpace(proof.Payee), strings.TrimSpace(expected.Recipient)) {
		return Receipt{}, Rejected(ReasonRecipientMismatch, "")
	}
	if proof.Amount < expected.MinAmount {
		return Receipt{}, Rejected(ReasonInsufficientAmount, fmt.Sprintf("expected at least %d, got %d", expected.MinAmount, proof.Amount))
	}
	if !strings.EqualFold(strings.TrimSpace(proof.Asset), strings.TrimSpace(expected.Asset)) {
		return Receipt{}, Rejected(ReasonAssetMismatch, fmt.Sprintf("expected %s, got %s", expected.Asset, proof.Asset))
	}

	if v.readers == nil {
		return Receipt{}, Rejected(ReasonUnsupportedNetwork, expected.Network)
	}
	reader, err := v.readers.Reader(expected.Network)
	if err != nil {
		return Receipt{}, Rejected(ReasonUnsupportedNetwork, expected.Network)
	}

	key := ReplayKey(expected.Network, reference)
	fresh, err := v.replay.MarkUsed(ctx, key)
	if err != nil {
		return Receipt{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记交易引用失败")
	}
	if !fresh {
		return Receipt{}, Rejected(ReasonReplay, "")
	}

	receipt, err := v.settle(ctx, reader, reference, proof, expected)
	if err != nil {
		if unmarkErr := v.replay.Unmark(ctx, key); unmarkErr != nil {
			logger.L().Error("撤销交易引用标记失败",
				slog.String("reference", reference),
				slog.Any("error", unmarkErr),
			)
		}
		return Receipt{}, err
	}
	return receipt, nil
}

// settle 在结算层查询交易并寻找与报价一致的转账。
func (v *Verifier) settle(ctx context.Context, reader web3.SettlementReader, reference string, proof Proof, expected Expected) (Receipt, error) {
	info, err := reader.LookupTransaction(ctx, reference)
	switch {
	case errors.Is(err, web3.ErrTransactionNotFound), errors.Is(err, web3.ErrInvalidReference):
		return Receipt{}, Rejected(ReasonTxNotFound, "")
	case err != nil:
		logger.L().Warn("查询结算层失败", slog.String("reference", reference), slog.Any("error", err))
		return Receipt{}, Rejected(ReasonChainUnavailable, "")
	}
	if info.Pending {
		return Receipt{}, Rejected(ReasonInsufficientConfirmation, "transaction is pending")
	}
	if !info.Succeeded {
		return Receipt{}, Rejected(ReasonTxFailed, "")
	}

	minimum := big.NewInt(expected.MinAmount)
	var matched *web3.Transfer
	for i := range info.Transfers {
		transfer := info.Transfers[i]
		if !strings.EqualFold(transfer.To, expected.Recipient) {
			continue
		}
		if !strings.EqualFold(transfer.Asset, expected.Asset) {
			continue
		}
		if transfer.Amount == nil || transfer.Amount.Cmp(minimum) < 0 {
			continue
		}
		if proof.Payer != "" && !strings.EqualFold(transfer.From, proof.Payer) {
			continue
		}
		matched = &transfer
		break
	}
	if matched == nil {
		return Receipt{}, Rejected(ReasonTransferMismatch, "")
	}
	if info.Confirmations < v.confirmations {
		return Receipt{}, Rejected(ReasonInsufficientConfirmation,
			fmt.Sprintf("have %d, need %d", info.Confirmations, v.confirmations))
	}

	amount := expected.MinAmount
	if matched.Amount.IsInt64() {
		amount = matched.Amount.Int64()
	}
	return Receipt{
		Network:       expected.Network,
		Reference:     reference,
		Payer:         matched.From,
		Payee:         matched.To,
		Asset:         expected.Asset,
		Amount:        amount,
		Confirmations: info.Confirmations,
	}, nil
}
