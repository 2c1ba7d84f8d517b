package checkout

import (
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/vitwit/stablepay/types"
	"github.com/vitwit/stablepay/utils"
)

// PlatformFeeRate is the fee charged on top of the converted amount.
var PlatformFeeRate = decimal.RequireFromString("0.015")

// Amounts is the price of a checkout in the selected token.
type Amounts struct {
	Fiat   decimal.Decimal `json:"fiat"`
	Rate   decimal.Decimal `json:"rate"`
	Crypto decimal.Decimal `json:"cryptoAmount"`
	Fee    decimal.Decimal `json:"platformFee"`
	Total  decimal.Decimal `json:"totalCrypto"`
}

// ComputeAmounts converts fiat at rate and adds the platform fee. Every
// figure is rounded to two places before it feeds the next one.
func ComputeAmounts(fiat, rate decimal.Decimal) Amounts {
	a := Amounts{Fiat: fiat, Rate: rate}
	if !rate.IsPositive() || !fiat.IsPositive() {
		return a
	}
	a.Crypto = utils.Round2(fiat.DivRound(rate, 16))
	a.Fee = utils.Round2(a.Crypto.Mul(PlatformFeeRate))
	a.Total = utils.Round2(a.Crypto.Add(a.Fee))
	return a
}

// Params are the query parameters accepted by the checkout entry point.
type Params struct {
	PaymentID string
	// Ref is the payment link slug.
	Ref      string
	Amount   string
	Currency string
	Chain    types.ChainKey
	Desc     string
	Email    string
	Token    types.TokenSymbol
}

// ParamsFromQuery reads checkout parameters from a URL query.
func ParamsFromQuery(q url.Values) Params {
	return Params{
		PaymentID: q.Get("paymentId"),
		Ref:       q.Get("ref"),
		Amount:    q.Get("amount"),
		Currency:  q.Get("currency"),
		Chain:     types.ChainKey(q.Get("chain")),
		Desc:      q.Get("desc"),
		Email:     q.Get("email"),
		Token:     types.TokenSymbol(q.Get("token")),
	}.Normalize()
}

// Normalize trims the parameters, upper-cases currency and token and
// lower-cases the chain key. Desc is kept verbatim.
func (p Params) Normalize() Params {
	p.PaymentID = strings.TrimSpace(p.PaymentID)
	p.Ref = strings.TrimSpace(p.Ref)
	p.Amount = strings.TrimSpace(p.Amount)
	p.Currency = strings.ToUpper(strings.TrimSpace(p.Currency))
	p.Chain = types.ChainKey(strings.ToLower(strings.TrimSpace(string(p.Chain))))
	p.Email = strings.TrimSpace(p.Email)
	p.Token = types.TokenSymbol(strings.ToUpper(strings.TrimSpace(string(p.Token))))
	return p
}
