package types

// Protocol constants used throughout fee and profit arithmetic. All amounts are
// integer lamports unless stated otherwise.
const (
	// LamportsPerSOL converts whole SOL to lamports
	LamportsPerSOL int64 = 1_000_000_000

	// BaseFeePerSignature is the fixed protocol fee charged per signature
	BaseFeePerSignature int64 = 5_000

	// FlashLoanFeeRate is the lending protocol fee (0.09%) on the borrowed amount
	FlashLoanFeeRate = 0.0009

	// MaxComputeUnits is the hard per-transaction compute ceiling
	MaxComputeUnits int64 = 1_400_000

	// DefaultNetworkOverhead is the amortized RPC cost per transaction when unset
	DefaultNetworkOverhead int64 = 100
)

// CostConfig holds the fee parameters of a single transaction
type CostConfig struct {
	SignatureCount   int   `json:"signature_count" mapstructure:"signature_count"`
	ComputeUnits     int64 `json:"compute_units" mapstructure:"compute_units"`
	ComputeUnitPrice int64 `json:"compute_unit_price" mapstructure:"compute_unit_price"` // micro-lamports per unit
	UseFlashLoan     bool  `json:"use_flash_loan" mapstructure:"use_flash_loan"`
	FlashLoanAmount  int64 `json:"flash_loan_amount" mapstructure:"flash_loan_amount"`
	NetworkOverhead  int64 `json:"network_overhead" mapstructure:"network_overhead"` // 0 selects DefaultNetworkOverhead
}

// TransactionCosts is the itemized cost of one transaction. Total always equals
// the sum of the other fee fields.
type TransactionCosts struct {
	BaseFee         int64 `json:"base_fee"`
	PriorityFee     int64 `json:"priority_fee"`
	Bid             int64 `json:"bid"`
	NetworkOverhead int64 `json:"network_overhead"`
	FlashLoanFee    int64 `json:"flash_loan_fee,omitempty"`
	Total           int64 `json:"total"`

	// ComputeUnits is the budget the priority fee was computed from
	ComputeUnits int64 `json:"compute_units"`
}

// HasFlashLoanFee reports whether a flash-loan fee is part of the total
func (c TransactionCosts) HasFlashLoanFee() bool {
	return c.FlashLoanFee > 0
}

// WithoutBid returns the total excluding the bid component
func (c TransactionCosts) WithoutBid() int64 {
	return c.Total - c.Bid
}
