package backend

import "context"

// MempoolBackend implements BitcoinChain using the mempool.space API.
// The transaction and address endpoints match Esplora; only fee estimation
// uses a different route.
type MempoolBackend struct {
	*EsploraBackend
}

// NewMempoolBackend creates a new mempool.space backend.
func NewMempoolBackend(baseURL string) *MempoolBackend {
	return &MempoolBackend{
		EsploraBackend: NewEsploraBackend(baseURL),
	}
}

// Type returns TypeMempool.
func (m *MempoolBackend) Type() Type {
	return TypeMempool
}

// GetFeeEstimates returns fee estimates from /v1/fees/recommended.
func (m *MempoolBackend) GetFeeEstimates(ctx context.Context) (*FeeEstimate, error) {
	var result map[string]float64
	if err := m.get(ctx, "/v1/fees/recommended", &result); err != nil {
		return nil, err
	}

	return &FeeEstimate{
		Fast:   result["fastestFee"],
		Medium: result["halfHourFee"],
		Slow:   result["hourFee"],
	}, nil
}

// New constructs a backend of the given type.
func New(backendType Type, baseURL string) BitcoinChain {
	switch backendType {
	case TypeMempool:
		return NewMempoolBackend(baseURL)
	default:
		return NewEsploraBackend(baseURL)
	}
}

// Ensure MempoolBackend implements BitcoinChain
var _ BitcoinChain = (*MempoolBackend)(nil)
