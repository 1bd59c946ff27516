package payment

import (
	"strings"

	xerrors "AgentPay/internal/errors"
)

// Reason 标识支付被拒绝的具体校验步骤。
type Reason string

const (
	ReasonNetworkMismatch          Reason = "network_mismatch"
	ReasonRecipientMismatch        Reason = "recipient_mismatch"
	ReasonInsufficientAmount       Reason = "insufficient_amount"
	ReasonAssetMismatch            Reason = "asset_mismatch"
	ReasonUnsupportedNetwork       Reason = "unsupported_network"
	ReasonReplay                   Reason = "replay"
	ReasonTxNotFound               Reason = "tx_not_found"
	ReasonTxFailed                 Reason = "tx_failed"
	ReasonTransferMismatch         Reason = "transfer_mismatch"
	ReasonInsufficientConfirmation Reason = "insufficient_confirmations"
	ReasonChainUnavailable         Reason = "chain_unavailable"
)

// Proof 是调用方声明的链上付款凭证，金额以最小单位表示。
type Proof struct {
	Network   string `json:"network"`
	Asset     string `json:"asset"`
	Amount    int64  `json:"amount"`
	Payer     string `json:"payer,omitempty"`
	Payee     string `json:"payee"`
	Reference string `json:"transaction_reference"`
}

// Expected 是当前候选服务报价所要求的付款条件。
type Expected struct {
	Recipient string `json:"recipient"`
	MinAmount int64  `json:"min_amount"`
	Asset     string `json:"asset"`
	Network   string `json:"network"`
}

// Receipt 描述一次验证通过的付款。
type Receipt struct {
	Network       string `json:"network"`
	Reference     string `json:"transaction_reference"`
	Payer         string `json:"payer"`
	Payee         string `json:"payee"`
	Asset         string `json:"asset"`
	Amount        int64  `json:"amount"`
	Confirmations uint64 `json:"confirmations"`
}

func init() {
	xerrors.Register(xerrors.CodePaymentRejected, xerrors.Attributes{
		Message:    "payment rejected",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: 402,
	})
}

// Rejected 构造携带拒绝原因的 PAYMENT_REJECTED 错误。
func Rejected(reason Reason, detail string) *xerrors.Error {
	message := "payment rejected: " + string(reason)
	if detail != "" {
		message += " (" + detail + ")"
	}
	return xerrors.New(xerrors.CodePaymentRejected, message,
		xerrors.WithMetadata("reason", string(reason)),
	)
}

// ReasonOf 返回支付拒绝错误中的原因，非拒绝错误返回空字符串。
func ReasonOf(err error) Reason {
	if xerrors.CodeOf(err) != xerrors.CodePaymentRejected {
		return ""
	}
	return Reason(xerrors.MetadataOf(err)["reason"])
}

// ReplayKey 返回交易引用在已消费集合中的规范键。十六进制引用不区分大小写。
func ReplayKey(network, reference string) string {
	ref := strings.TrimSpace(reference)
	if strings.HasPrefix(ref, "0x") || strings.HasPrefix(ref, "0X") {
		ref = strings.ToLower(ref)
	}
	return network + ":" + ref
}
