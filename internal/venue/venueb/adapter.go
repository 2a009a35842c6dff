// Package venueb implements venue.Adapter for the second leg venue, using
// an OKX-style signature: base64(HMAC-SHA256(timestamp+method+path+body)),
// sent as request headers rather than a query-string signature. The two
// venues expose different symbol-metadata shapes, so the sizing engine's
// coarser-lot-step alignment is exercised against genuinely heterogeneous
// rules rather than identical twins.
package venueb

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"math"
	"net/url"
	"strconv"
	"time"

	"github.com/sawpanic/fundingrotor/internal/model"
	"github.com/sawpanic/fundingrotor/internal/tickmath"
	"github.com/sawpanic/fundingrotor/internal/venue"
)

// Adapter is the venue-B client.
type Adapter struct {
	hc *venue.HTTPClient
}

func New(creds venue.Credentials) *Adapter {
	a := &Adapter{}
	a.hc = venue.NewHTTPClient(creds, a)
	return a
}

func (a *Adapter) Name() string { return "venue-b" }

// Sign implements venue.Signer with OKX's header-based HMAC scheme.
func (a *Adapter) Sign(method, path string, query url.Values, body []byte, ts time.Time) (map[string]string, url.Values) {
	full := path
	if len(query) > 0 {
		full += "?" + query.Encode()
	}
	tsStr := ts.UTC().Format(time.RFC3339Nano)
	prehash := tsStr + method + full + string(body)
	mac := hmac.New(sha256.New, []byte(a.hc.Creds.APISecret))
	mac.Write([]byte(prehash))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return map[string]string{
		"OK-ACCESS-KEY":       a.hc.Creds.APIKey,
		"OK-ACCESS-SIGN":      sig,
		"OK-ACCESS-TIMESTAMP": tsStr,
	}, query
}

type envelope[T any] struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []T    `json:"data"`
}

type tickerData struct {
	BidPx string `json:"bidPx"`
	AskPx string `json:"askPx"`
}

func (a *Adapter) BestBidAsk(ctx context.Context, symbol string) (venue.BidAsk, error) {
	var r envelope[tickerData]
	_, err := a.hc.Do(ctx, "GET", "/api/v5/market/ticker", url.Values{"instId": {symbol}}, nil, false, &r)
	if err != nil || len(r.Data) == 0 {
		return venue.BidAsk{}, err
	}
	bid, _ := strconv.ParseFloat(r.Data[0].BidPx, 64)
	ask, _ := strconv.ParseFloat(r.Data[0].AskPx, 64)
	return venue.BidAsk{Bid: bid, Ask: ask}, nil
}

type fundingData struct {
	FundingRate string `json:"fundingRate"`
	FundingTime string `json:"fundingTime"`
}

func (a *Adapter) CurrentFundingRate(ctx context.Context, symbol string) (model.FundingSample, error) {
	var r envelope[fundingData]
	_, err := a.hc.Do(ctx, "GET", "/api/v5/public/funding-rate", url.Values{"instId": {symbol}}, nil, false, &r)
	if err != nil || len(r.Data) == 0 {
		return model.FundingSample{}, err
	}
	rate, _ := strconv.ParseFloat(r.Data[0].FundingRate, 64)
	ms, _ := strconv.ParseInt(r.Data[0].FundingTime, 10, 64)
	interval, _ := a.FundingIntervalHours(ctx, symbol)
	return model.FundingSample{Symbol: symbol, Rate: rate, PeriodHrs: interval, Timestamp: time.UnixMilli(ms)}, nil
}

func (a *Adapter) FundingRateHistory(ctx context.Context, symbol string, n int) ([]model.FundingSample, error) {
	var r envelope[fundingData]
	_, err := a.hc.Do(ctx, "GET", "/api/v5/public/funding-rate-history", url.Values{"instId": {symbol}, "limit": {strconv.Itoa(n)}}, nil, false, &r)
	if err != nil {
		return nil, err
	}
	out := make([]model.FundingSample, 0, len(r.Data))
	for _, f := range r.Data {
		rate, _ := strconv.ParseFloat(f.FundingRate, 64)
		ms, _ := strconv.ParseInt(f.FundingTime, 10, 64)
		out = append(out, model.FundingSample{Symbol: symbol, Rate: rate, Timestamp: time.UnixMilli(ms)})
	}
	return out, nil
}

type instrumentData struct {
	InstID     string `json:"instId"`
	TickSz     string `json:"tickSz"`
	LotSz      string `json:"lotSz"`
	MinSz      string `json:"minSz"`
	FundingHrs string `json:"fundingIntervalHours,omitempty"`
}

func (a *Adapter) SymbolMetadata(ctx context.Context, symbol string) (model.SymbolMeta, error) {
	var r envelope[instrumentData]
	_, err := a.hc.Do(ctx, "GET", "/api/v5/public/instruments", url.Values{"instId": {symbol}, "instType": {"SWAP"}}, nil, false, &r)
	if err != nil || len(r.Data) == 0 {
		if err == nil {
			err = venue.NewRejectError("SYMBOL_NOT_FOUND", symbol)
		}
		return model.SymbolMeta{}, err
	}
	d := r.Data[0]
	tick, _ := strconv.ParseFloat(d.TickSz, 64)
	lot, _ := strconv.ParseFloat(d.LotSz, 64)
	minSz, _ := strconv.ParseFloat(d.MinSz, 64)
	meta := model.SymbolMeta{Symbol: symbol, PriceTick: tick, LotStep: lot, MinNotional: minSz}
	if hrs, err := strconv.ParseFloat(d.FundingHrs, 64); err == nil && hrs > 0 {
		meta.FundingIntervalHours = hrs
	} else {
		hist, _ := a.FundingRateHistory(ctx, symbol, 10)
		meta.FundingIntervalHours = venue.FundingIntervalFromHistory(hist)
	}
	return meta, nil
}

func (a *Adapter) FundingIntervalHours(ctx context.Context, symbol string) (float64, error) {
	meta, err := a.SymbolMetadata(ctx, symbol)
	if err != nil {
		return 8, err
	}
	return meta.FundingIntervalHours, nil
}

type volData struct {
	VolCcy24h string `json:"volCcy24h"`
}

func (a *Adapter) Quote24hVolume(ctx context.Context, symbol string) (float64, error) {
	var r envelope[volData]
	_, err := a.hc.Do(ctx, "GET", "/api/v5/market/ticker", url.Values{"instId": {symbol}}, nil, false, &r)
	if err != nil || len(r.Data) == 0 {
		return 0, err
	}
	v, _ := strconv.ParseFloat(r.Data[0].VolCcy24h, 64)
	return v, nil
}

type balanceData struct {
	TotalEq string `json:"totalEq"`
	AvailEq string `json:"availEq"`
}

func (a *Adapter) AccountBalance(ctx context.Context) (venue.AccountBalance, error) {
	var r envelope[balanceData]
	_, err := a.hc.Do(ctx, "GET", "/api/v5/account/balance", nil, nil, true, &r)
	if err != nil || len(r.Data) == 0 {
		return venue.AccountBalance{}, err
	}
	t, _ := strconv.ParseFloat(r.Data[0].TotalEq, 64)
	av, _ := strconv.ParseFloat(r.Data[0].AvailEq, 64)
	return venue.AccountBalance{Total: t, Available: av}, nil
}

type positionData struct {
	Pos string `json:"pos"`
}

func (a *Adapter) OpenPositionSize(ctx context.Context, symbol string) (float64, error) {
	var r envelope[positionData]
	_, err := a.hc.Do(ctx, "GET", "/api/v5/account/positions", url.Values{"instId": {symbol}}, nil, true, &r)
	if err != nil || len(r.Data) == 0 {
		return 0, err
	}
	v, _ := strconv.ParseFloat(r.Data[0].Pos, 64)
	return v, nil
}

func (a *Adapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := a.hc.Do(ctx, "POST", "/api/v5/account/set-leverage", url.Values{"instId": {symbol}, "lever": {strconv.Itoa(leverage)}}, nil, true, nil)
	return err
}

type leverageData struct {
	Lever string `json:"lever"`
}

func (a *Adapter) GetLeverage(ctx context.Context, symbol string) (int, error) {
	var r envelope[leverageData]
	_, err := a.hc.Do(ctx, "GET", "/api/v5/account/leverage-info", url.Values{"instId": {symbol}}, nil, true, &r)
	if err != nil || len(r.Data) == 0 {
		return 0, err
	}
	l, _ := strconv.Atoi(r.Data[0].Lever)
	return l, nil
}

type orderData struct {
	OrdID  string `json:"ordId"`
	FillSz string `json:"fillSz"`
	FillPx string `json:"fillPx"`
}

func (a *Adapter) PlaceAggressiveLimit(ctx context.Context, symbol string, side venue.Side, sizeBase, referencePrice float64, crossTicks int) (venue.OrderAck, error) {
	meta, err := a.SymbolMetadata(ctx, symbol)
	if err != nil {
		return venue.OrderAck{}, err
	}
	offset := float64(crossTicks) * meta.PriceTick
	limitPrice := referencePrice + offset
	if side == venue.SideSell {
		limitPrice = referencePrice - offset
	}
	limitPrice = tickmath.Truncate(limitPrice, tickmath.PrecisionOf(meta.PriceTick))
	qty := tickmath.Truncate(sizeBase, tickmath.PrecisionOf(meta.LotStep))

	q := url.Values{
		"instId":  {symbol},
		"tdMode":  {"cross"},
		"side":    {okxSide(side)},
		"ordType": {"limit"},
		"px":      {formatFixed(limitPrice, tickmath.PrecisionOf(meta.PriceTick))},
		"sz":      {formatFixed(qty, tickmath.PrecisionOf(meta.LotStep))},
	}
	var r envelope[orderData]
	_, err = a.hc.Do(ctx, "POST", "/api/v5/trade/order", q, nil, true, &r)
	if err != nil || len(r.Data) == 0 {
		return venue.OrderAck{}, err
	}
	filled, _ := strconv.ParseFloat(r.Data[0].FillSz, 64)
	px, _ := strconv.ParseFloat(r.Data[0].FillPx, 64)
	return venue.OrderAck{OrderID: r.Data[0].OrdID, FilledSize: filled, FilledPrice: px}, nil
}

func (a *Adapter) PlaceMarket(ctx context.Context, symbol string, side venue.Side, sizeBase float64) (venue.OrderAck, error) {
	meta, err := a.SymbolMetadata(ctx, symbol)
	if err != nil {
		return venue.OrderAck{}, err
	}
	qty := tickmath.Truncate(sizeBase, tickmath.PrecisionOf(meta.LotStep))
	q := url.Values{"instId": {symbol}, "tdMode": {"cross"}, "side": {okxSide(side)}, "ordType": {"market"}, "sz": {formatFixed(qty, tickmath.PrecisionOf(meta.LotStep))}}
	var r envelope[orderData]
	_, err = a.hc.Do(ctx, "POST", "/api/v5/trade/order", q, nil, true, &r)
	if err != nil || len(r.Data) == 0 {
		return venue.OrderAck{}, err
	}
	filled, _ := strconv.ParseFloat(r.Data[0].FillSz, 64)
	px, _ := strconv.ParseFloat(r.Data[0].FillPx, 64)
	return venue.OrderAck{OrderID: r.Data[0].OrdID, FilledSize: filled, FilledPrice: px}, nil
}

func (a *Adapter) PlaceMarketQuote(ctx context.Context, symbol string, side venue.Side, quoteQty float64) (venue.OrderAck, error) {
	q := url.Values{"instId": {symbol}, "tdMode": {"cross"}, "side": {okxSide(side)}, "ordType": {"market"}, "sz": {strconv.FormatFloat(quoteQty, 'f', 2, 64)}, "tgtCcy": {"quote_ccy"}}
	var r envelope[orderData]
	_, err := a.hc.Do(ctx, "POST", "/api/v5/trade/order", q, nil, true, &r)
	if err != nil || len(r.Data) == 0 {
		return venue.OrderAck{}, err
	}
	filled, _ := strconv.ParseFloat(r.Data[0].FillSz, 64)
	px, _ := strconv.ParseFloat(r.Data[0].FillPx, 64)
	return venue.OrderAck{OrderID: r.Data[0].OrdID, FilledSize: filled, FilledPrice: px}, nil
}

func (a *Adapter) ClosePosition(ctx context.Context, symbol string) (venue.OrderAck, error) {
	size, err := a.OpenPositionSize(ctx, symbol)
	if err != nil {
		return venue.OrderAck{}, err
	}
	if size == 0 {
		return venue.OrderAck{}, nil
	}
	side := venue.SideSell
	if size < 0 {
		side = venue.SideBuy
	}
	return a.PlaceMarket(ctx, symbol, side, math.Abs(size))
}

func okxSide(s venue.Side) string {
	if s == venue.SideBuy {
		return "buy"
	}
	return "sell"
}

func formatFixed(v float64, precision int) string {
	return strconv.FormatFloat(v, 'f', precision, 64)
}

var _ venue.Adapter = (*Adapter)(nil)
