// Package venuea implements venue.Adapter for the first leg venue, using
// a Binance-style query-string HMAC signature over REST. Venue A is the
// stricter venue for rate-limit purposes (see internal/ratelimit).
package venuea

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"net/url"
	"strconv"
	"time"

	"github.com/sawpanic/fundingrotor/internal/model"
	"github.com/sawpanic/fundingrotor/internal/tickmath"
	"github.com/sawpanic/fundingrotor/internal/venue"
)

// Adapter is the venue-A client.
type Adapter struct {
	hc *venue.HTTPClient
}

// New builds a venue-A adapter from credentials.
func New(creds venue.Credentials) *Adapter {
	a := &Adapter{}
	a.hc = venue.NewHTTPClient(creds, a)
	return a
}

func (a *Adapter) Name() string { return "venue-a" }

// Sign implements venue.Signer with Binance's HMAC-SHA256-over-querystring scheme.
func (a *Adapter) Sign(method, path string, query url.Values, body []byte, ts time.Time) (map[string]string, url.Values) {
	query.Set("timestamp", strconv.FormatInt(ts.UnixMilli(), 10))
	mac := hmac.New(sha256.New, []byte(a.hc.Creds.APISecret))
	mac.Write([]byte(query.Encode()))
	query.Set("signature", hex.EncodeToString(mac.Sum(nil)))
	return map[string]string{"X-API-KEY": a.hc.Creds.APIKey}, query
}

type bidAskResp struct {
	Bid string `json:"bid"`
	Ask string `json:"ask"`
}

func (a *Adapter) BestBidAsk(ctx context.Context, symbol string) (venue.BidAsk, error) {
	var r bidAskResp
	_, err := a.hc.Do(ctx, "GET", "/v1/ticker", url.Values{"symbol": {symbol}}, nil, false, &r)
	if err != nil {
		return venue.BidAsk{}, err
	}
	bid, _ := strconv.ParseFloat(r.Bid, 64)
	ask, _ := strconv.ParseFloat(r.Ask, 64)
	return venue.BidAsk{Bid: bid, Ask: ask}, nil
}

type fundingResp struct {
	Rate      string `json:"fundingRate"`
	Timestamp int64  `json:"fundingTime"`
}

func (a *Adapter) CurrentFundingRate(ctx context.Context, symbol string) (model.FundingSample, error) {
	var r fundingResp
	_, err := a.hc.Do(ctx, "GET", "/v1/premiumIndex", url.Values{"symbol": {symbol}}, nil, false, &r)
	if err != nil {
		return model.FundingSample{}, err
	}
	rate, _ := strconv.ParseFloat(r.Rate, 64)
	interval, _ := a.FundingIntervalHours(ctx, symbol)
	return model.FundingSample{
		Symbol:    symbol,
		Rate:      rate,
		PeriodHrs: interval,
		Timestamp: time.UnixMilli(r.Timestamp),
	}, nil
}

func (a *Adapter) FundingRateHistory(ctx context.Context, symbol string, n int) ([]model.FundingSample, error) {
	var r []fundingResp
	_, err := a.hc.Do(ctx, "GET", "/v1/fundingRate", url.Values{"symbol": {symbol}, "limit": {strconv.Itoa(n)}}, nil, false, &r)
	if err != nil {
		return nil, err
	}
	out := make([]model.FundingSample, 0, len(r))
	for _, f := range r {
		rate, _ := strconv.ParseFloat(f.Rate, 64)
		out = append(out, model.FundingSample{Symbol: symbol, Rate: rate, Timestamp: time.UnixMilli(f.Timestamp)})
	}
	return out, nil
}

type exchangeInfoResp struct {
	Symbols []struct {
		Symbol             string  `json:"symbol"`
		TickSize           float64 `json:"tickSize"`
		LotStep            float64 `json:"lotStep"`
		MinNotional        float64 `json:"minNotional"`
		FundingIntervalHrs float64 `json:"fundingIntervalHours"`
	} `json:"symbols"`
}

// SymbolMetadata fetches price_tick/lot_step/min_notional. When the venue
// advertises funding_interval_hours it is preferred over the
// modal-difference fallback.
func (a *Adapter) SymbolMetadata(ctx context.Context, symbol string) (model.SymbolMeta, error) {
	var r exchangeInfoResp
	_, err := a.hc.Do(ctx, "GET", "/v1/exchangeInfo", url.Values{"symbol": {symbol}}, nil, false, &r)
	if err != nil {
		return model.SymbolMeta{}, err
	}
	for _, s := range r.Symbols {
		if s.Symbol == symbol {
			meta := model.SymbolMeta{
				Symbol:      symbol,
				PriceTick:   s.TickSize,
				LotStep:     s.LotStep,
				MinNotional: s.MinNotional,
			}
			if s.FundingIntervalHrs > 0 {
				meta.FundingIntervalHours = s.FundingIntervalHrs
			} else {
				hist, _ := a.FundingRateHistory(ctx, symbol, 10)
				meta.FundingIntervalHours = venue.FundingIntervalFromHistory(hist)
			}
			return meta, nil
		}
	}
	return model.SymbolMeta{}, venue.NewRejectError("SYMBOL_NOT_FOUND", symbol)
}

func (a *Adapter) FundingIntervalHours(ctx context.Context, symbol string) (float64, error) {
	meta, err := a.SymbolMetadata(ctx, symbol)
	if err != nil {
		return 8, err
	}
	return meta.FundingIntervalHours, nil
}

type volumeResp struct {
	QuoteVolume string `json:"quoteVolume"`
}

func (a *Adapter) Quote24hVolume(ctx context.Context, symbol string) (float64, error) {
	var r volumeResp
	_, err := a.hc.Do(ctx, "GET", "/v1/ticker24hr", url.Values{"symbol": {symbol}}, nil, false, &r)
	if err != nil {
		return 0, err
	}
	v, _ := strconv.ParseFloat(r.QuoteVolume, 64)
	return v, nil
}

type balanceResp struct {
	Total     string `json:"total"`
	Available string `json:"available"`
}

func (a *Adapter) AccountBalance(ctx context.Context) (venue.AccountBalance, error) {
	var r balanceResp
	_, err := a.hc.Do(ctx, "GET", "/v1/account", nil, nil, true, &r)
	if err != nil {
		return venue.AccountBalance{}, err
	}
	t, _ := strconv.ParseFloat(r.Total, 64)
	av, _ := strconv.ParseFloat(r.Available, 64)
	return venue.AccountBalance{Total: t, Available: av}, nil
}

type positionResp struct {
	PositionAmt string `json:"positionAmt"`
}

func (a *Adapter) OpenPositionSize(ctx context.Context, symbol string) (float64, error) {
	var r positionResp
	_, err := a.hc.Do(ctx, "GET", "/v1/positionRisk", url.Values{"symbol": {symbol}}, nil, true, &r)
	if err != nil {
		return 0, err
	}
	v, _ := strconv.ParseFloat(r.PositionAmt, 64)
	return v, nil
}

func (a *Adapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := a.hc.Do(ctx, "POST", "/v1/leverage", url.Values{"symbol": {symbol}, "leverage": {strconv.Itoa(leverage)}}, nil, true, nil)
	return err
}

type leverageResp struct {
	Leverage int `json:"leverage"`
}

func (a *Adapter) GetLeverage(ctx context.Context, symbol string) (int, error) {
	var r leverageResp
	_, err := a.hc.Do(ctx, "GET", "/v1/positionRisk", url.Values{"symbol": {symbol}}, nil, true, &r)
	if err != nil {
		return 0, err
	}
	return r.Leverage, nil
}

type orderResp struct {
	OrderID     int64  `json:"orderId"`
	ExecutedQty string `json:"executedQty"`
	AvgPrice    string `json:"avgPrice"`
}

// PlaceAggressiveLimit prices a marketable limit crossTicks beyond the
// reference price: reference+crossTicks*tick for buys,
// reference-crossTicks*tick for sells. Quantities/prices are truncated
// (never rounded up) to the venue's precision before formatting.
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
		"symbol":   {symbol},
		"side":     {string(side)},
		"type":     {"LIMIT"},
		"price":    {formatFixed(limitPrice, tickmath.PrecisionOf(meta.PriceTick))},
		"quantity": {formatFixed(qty, tickmath.PrecisionOf(meta.LotStep))},
	}
	var r orderResp
	_, err = a.hc.Do(ctx, "POST", "/v1/order", q, nil, true, &r)
	if err != nil {
		return venue.OrderAck{}, err
	}
	filled, _ := strconv.ParseFloat(r.ExecutedQty, 64)
	avg, _ := strconv.ParseFloat(r.AvgPrice, 64)
	return venue.OrderAck{OrderID: strconv.FormatInt(r.OrderID, 10), FilledSize: filled, FilledPrice: avg}, nil
}

func (a *Adapter) PlaceMarket(ctx context.Context, symbol string, side venue.Side, sizeBase float64) (venue.OrderAck, error) {
	meta, err := a.SymbolMetadata(ctx, symbol)
	if err != nil {
		return venue.OrderAck{}, err
	}
	qty := tickmath.Truncate(sizeBase, tickmath.PrecisionOf(meta.LotStep))
	q := url.Values{"symbol": {symbol}, "side": {string(side)}, "type": {"MARKET"}, "quantity": {formatFixed(qty, tickmath.PrecisionOf(meta.LotStep))}}
	var r orderResp
	_, err = a.hc.Do(ctx, "POST", "/v1/order", q, nil, true, &r)
	if err != nil {
		return venue.OrderAck{}, err
	}
	filled, _ := strconv.ParseFloat(r.ExecutedQty, 64)
	avg, _ := strconv.ParseFloat(r.AvgPrice, 64)
	return venue.OrderAck{OrderID: strconv.FormatInt(r.OrderID, 10), FilledSize: filled, FilledPrice: avg}, nil
}

func (a *Adapter) PlaceMarketQuote(ctx context.Context, symbol string, side venue.Side, quoteQty float64) (venue.OrderAck, error) {
	q := url.Values{"symbol": {symbol}, "side": {string(side)}, "type": {"MARKET"}, "quoteOrderQty": {strconv.FormatFloat(quoteQty, 'f', 2, 64)}}
	var r orderResp
	_, err := a.hc.Do(ctx, "POST", "/v1/order", q, nil, true, &r)
	if err != nil {
		return venue.OrderAck{}, err
	}
	filled, _ := strconv.ParseFloat(r.ExecutedQty, 64)
	avg, _ := strconv.ParseFloat(r.AvgPrice, 64)
	return venue.OrderAck{OrderID: strconv.FormatInt(r.OrderID, 10), FilledSize: filled, FilledPrice: avg}, nil
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

func formatFixed(v float64, precision int) string {
	return strconv.FormatFloat(v, 'f', precision, 64)
}

var _ venue.Adapter = (*Adapter)(nil)
