package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/aegis-agents/chatbot/internal/helper"
	"github.com/aegis-agents/chatbot/internal/state"
)

// StrategyThresholdUSD is the minimum smart account value for strategy changes.
const StrategyThresholdUSD = 1.0

// AutoFi builds the helper backed tools of the AutoFi team.
type AutoFi struct {
	svc helper.Service
}

// NewAutoFi returns the AutoFi tool factory.
func NewAutoFi(svc helper.Service) *AutoFi {
	return &AutoFi{svc: svc}
}

// Tools returns every AutoFi tool.
func (a *AutoFi) Tools() []Tool {
	return []Tool{
		a.ShowUserPositions(),
		a.ShowUserPositionsRoeChart(),
		a.ShowUserPositionsPnlChart(),
		a.ShowProjectTvlChart(),
		a.ShowProjectApyChart(),
		a.ShowHotInstruments(),
		a.ShowInstrumentApyChart(),
		a.ShowInstrumentTvlChart(),
		a.ShowAssets(),
		a.Deposit(),
		a.Withdraw(),
		a.ShowStrategy(),
		a.ChangeStrategy(),
	}
}

func emit(env Env, card state.Card) {
	if env.Cards == nil {
		return
	}
	if card.Type.IsConversation() {
		env.Cards.ConversationCard(card)
		return
	}
	env.Cards.DashboardCard(card)
}

func listPositions(positions []helper.Position) string {
	if len(positions) == 0 {
		return "(The user currently has no positions)"
	}
	var b strings.Builder
	for i, p := range positions {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- position %d\n", i)
		fmt.Fprintf(&b, "  asset: %s\n", p.PositionMeta.Asset)
		fmt.Fprintf(&b, "  instrument: %s\n", p.PositionMeta.InstrumentType)
		fmt.Fprintf(&b, "  instrument Id: %d\n", p.PositionMeta.InstrumentID)
		fmt.Fprintf(&b, "  chain id: %s\n", p.PositionMeta.ChainID)
		fmt.Fprintf(&b, "  asset amount: $%s\n", p.PositionData.AssetAmountUSD)
		fmt.Fprintf(&b, "  PNL: $%s\n", p.PositionData.PnlUSD)
		fmt.Fprintf(&b, "  ROE: $%s", p.PositionData.RoeUSD)
	}
	return b.String()
}

func (a *AutoFi) ShowUserPositions() Tool {
	return Tool{
		Name:          "show_user_positions",
		Description:   "use this to trigger UI to display the information of the user's positions.",
		Schema:        emptySchema(),
		FailurePrefix: "Show User Positions Failed.",
		Invoke: func(ctx context.Context, env Env, _ json.RawMessage) (string, error) {
			resp, err := a.svc.GetUserPositions(ctx, helper.GetUserPositionsRequest{UID: env.UserID})
			if err != nil {
				return "", err
			}
			emit(env, state.Card{Type: state.CardShowUserPositions, Args: []any{resp}})
			return "The UI to show user the information of the user's positions has been display to the user.\n" +
				"The UI contains the following information:\n" + listPositions(resp.Positions), nil
		},
	}
}

type positionPoint struct {
	Timestamp string `json:"timestamp"`
	RoeUSD    string `json:"roe_usd,omitempty"`
	PnlUSD    string `json:"pnl_usd,omitempty"`
}

type positionSeries struct {
	Position   helper.PositionMeta   `json:"position"`
	Instrument helper.InstrumentMeta `json:"instrument"`
	Data       []positionPoint       `json:"data"`
}

// positionSeries fetches 7 days of verbose data for every distinct
// instrument the user holds, preserving first-seen order.
func (a *AutoFi) positionSeries(ctx context.Context, uid string) ([]positionSeries, error) {
	positions, err := a.svc.GetUserPositions(ctx, helper.GetUserPositionsRequest{UID: uid})
	if err != nil {
		return nil, err
	}
	seen := make(map[int64]bool)
	var ids []int64
	for _, p := range positions.Positions {
		if !seen[p.PositionMeta.InstrumentID] {
			seen[p.PositionMeta.InstrumentID] = true
			ids = append(ids, p.PositionMeta.InstrumentID)
		}
	}

	out := make([]positionSeries, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			chart, err := a.svc.GetUserPositionChartData(gctx, helper.GetUserPositionChartDataRequest{
				UID:               uid,
				InstrumentID:      id,
				DaysOfVerboseData: 7,
			})
			if err != nil {
				return err
			}
			s := positionSeries{Position: chart.PositionMeta, Instrument: chart.InstrumentMeta, Data: []positionPoint{}}
			for _, ts := range numericKeys(chart.VerboseTimePositionData) {
				d := chart.VerboseTimePositionData[ts]
				s.Data = append(s.Data, positionPoint{Timestamp: ts, RoeUSD: d.RoeUSD, PnlUSD: d.PnlUSD})
			}
			out[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func instrumentName(m helper.InstrumentMeta) string {
	if m.InstrumentName != "" {
		return m.InstrumentName
	}
	return m.Symbol
}

func describeSeries(series []positionSeries, field string, value func(positionPoint) string) string {
	var b strings.Builder
	for i, s := range series {
		if i > 0 {
			b.WriteByte('\n')
		}
		head, tail := headTail(s.Data, 3, func(p positionPoint) string {
			return fmt.Sprintf("(%s, %s=%s)", p.Timestamp, field, value(p))
		})
		fmt.Fprintf(&b, "  * [series %d] instrument_id=%d, name=%s, points=%d\n", i+1, s.Position.InstrumentID, instrumentName(s.Instrument), len(s.Data))
		fmt.Fprintf(&b, "      head: %s\n", head)
		fmt.Fprintf(&b, "      tail: %s", tail)
	}
	return b.String()
}

func (a *AutoFi) ShowUserPositionsRoeChart() Tool {
	return Tool{
		Name:          "show_user_positions_roe_chart",
		Description:   "use this to trigger UI to display the ROE timing chart of the user's current position.",
		Schema:        emptySchema(),
		FailurePrefix: "Show instrument apy chart failed.",
		Invoke: func(ctx context.Context, env Env, _ json.RawMessage) (string, error) {
			series, err := a.positionSeries(ctx, env.UserID)
			if err != nil {
				return "", err
			}
			for i := range series {
				for j := range series[i].Data {
					series[i].Data[j].PnlUSD = ""
				}
			}
			emit(env, state.Card{Type: state.CardShowUserPositionsRoeChart, Args: []any{series}})

			detail := "(The user currently has no position ROE data)"
			if len(series) > 0 {
				detail = describeSeries(series, "roe_usd", func(p positionPoint) string { return p.RoeUSD })
			}
			return fmt.Sprintf("The UI to show the ROE time-series of the user's current positions has been displayed.\n"+
				"Summary:\n- positions: %d\n- time window: last 7 days (UTC), points per series vary\n\n"+
				"Series detail:\n%s\n"+
				"Legend: one line per position; color-coded by instrument. Hover tooltip shows timestamp + roe_usd.",
				len(series), detail), nil
		},
	}
}

func (a *AutoFi) ShowUserPositionsPnlChart() Tool {
	return Tool{
		Name:          "show_user_positions_pnl_chart",
		Description:   "use this to trigger UI to display the PNL timing chart of the user's current position.",
		Schema:        emptySchema(),
		FailurePrefix: "display the PNL timing chart of the user's current position failed.",
		Invoke: func(ctx context.Context, env Env, _ json.RawMessage) (string, error) {
			series, err := a.positionSeries(ctx, env.UserID)
			if err != nil {
				return "", err
			}
			for i := range series {
				for j := range series[i].Data {
					series[i].Data[j].RoeUSD = ""
				}
			}
			emit(env, state.Card{Type: state.CardShowUserPositionsPnlChart, Args: []any{series}})

			detail := "(The user currently has no position PNL data)"
			if len(series) > 0 {
				detail = describeSeries(series, "pnl_usd", func(p positionPoint) string { return p.PnlUSD })
			}
			return fmt.Sprintf("The UI to show the PNL time-series of the user's current positions has been displayed.\n"+
				"Summary:\n- positions: %d\n- time window: last 7 days (UTC)\n\n"+
				"Series detail:\n%s\n"+
				"Legend: one line per position; color-coded by instrument; tooltip shows timestamp + pnl_usd.",
				len(series), detail), nil
		},
	}
}

type globalPoint struct {
	Timestamp string  `json:"timestamp"`
	TvlUSD    float64 `json:"tvl_usd,omitempty"`
	APY       string  `json:"apy,omitempty"`
}

func (a *AutoFi) globalSeries(ctx context.Context) ([]globalPoint, error) {
	resp, err := a.svc.GetGlobalInfo(ctx, helper.GetGlobalInfoRequest{DaysOfVerboseData: 7})
	if err != nil {
		return nil, err
	}
	points := []globalPoint{}
	for _, ts := range numericKeys(resp.GlobalInfos) {
		info := resp.GlobalInfos[ts]
		points = append(points, globalPoint{Timestamp: ts, TvlUSD: info.TvlUSD, APY: info.ConservativeAPY})
	}
	return points, nil
}

func (a *AutoFi) ShowProjectTvlChart() Tool {
	return Tool{
		Name:          "show_project_tvl_chart",
		Description:   "use this to trigger UI to display the TVL timing chart of the project.",
		Schema:        emptySchema(),
		FailurePrefix: "display the TVL timing chart of the project failed.",
		Invoke: func(ctx context.Context, env Env, _ json.RawMessage) (string, error) {
			points, err := a.globalSeries(ctx)
			if err != nil {
				return "", err
			}
			for i := range points {
				points[i].APY = ""
			}
			emit(env, state.Card{Type: state.CardShowProjectTvlChart, Args: []any{points}})
			head, tail := headTail(points, 3, func(p globalPoint) string {
				return fmt.Sprintf("(%s, tvl_usd=%s)", p.Timestamp, formatFloat(p.TvlUSD))
			})
			return fmt.Sprintf("The UI to show the Aegis-Agents project's TVL time-series has been displayed.\n"+
				"Summary:\n- points: %d\n- time window: last 7 days (UTC)\n\n"+
				"Preview:\n  head: %s\n  tail: %s\n\n"+
				"This single-line chart reflects protocol-level liquidity trend (TVL in USD).",
				len(points), head, tail), nil
		},
	}
}

func (a *AutoFi) ShowProjectApyChart() Tool {
	return Tool{
		Name:          "show_project_apy_chart",
		Description:   "use this to trigger UI to display the APY timing chart of the project.",
		Schema:        emptySchema(),
		FailurePrefix: "display the APY timing chart of the project failed.",
		Invoke: func(ctx context.Context, env Env, _ json.RawMessage) (string, error) {
			points, err := a.globalSeries(ctx)
			if err != nil {
				return "", err
			}
			for i := range points {
				points[i].TvlUSD = 0
			}
			emit(env, state.Card{Type: state.CardShowProjectApyChart, Args: []any{points}})
			head, tail := headTail(points, 3, func(p globalPoint) string {
				return fmt.Sprintf("(%s, apy=%s)", p.Timestamp, p.APY)
			})
			return fmt.Sprintf("The UI to show the project's APY time-series (conservative_apy) has been displayed.\n"+
				"Summary:\n- points: %d\n- time window: last 7 days (UTC)\n"+
				"- value format: apy is a string decimal (e.g., \"0.045\" => 4.5%%)\n\n"+
				"Preview:\n  head: %s\n  tail: %s",
				len(points), head, tail), nil
		},
	}
}

func describeHotGroup(label string, group []helper.VerboseInstrument) string {
	if len(group) == 0 {
		return fmt.Sprintf("- %s: (empty)\n", label)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "- %s: %d instruments\n", label, len(group))
	top := group
	if len(top) > 5 {
		top = top[:5]
	}
	for i, ins := range top {
		keys := numericKeys(ins.VerboseInstrumentData)
		head, tail := headTail(keys, 2, func(k string) string {
			d := ins.VerboseInstrumentData[k]
			return fmt.Sprintf("(%s, apy=%s, tvl_usd=%s)", k, d.APY, d.SupplyAmountUSD)
		})
		asset := ins.Symbol
		if asset == "" {
			asset = ins.UnderlyingAsset
		}
		fmt.Fprintf(&b, "    * [%d] id=%d, chain=%s, proto=%s, asset=%s\n", i+1, ins.InstrumentID, ins.ChainID, ins.ProtocolName, asset)
		fmt.Fprintf(&b, "        head: %s\n", head)
		fmt.Fprintf(&b, "        tail: %s\n", tail)
	}
	return b.String()
}

func (a *AutoFi) ShowHotInstruments() Tool {
	return Tool{
		Name:          "show_hot_instruments",
		Description:   "use this to trigger UI to display the currently popular/hot instruments.",
		Schema:        emptySchema(),
		FailurePrefix: "Display the currently popular/hot instruments failed.",
		Invoke: func(ctx context.Context, env Env, _ json.RawMessage) (string, error) {
			resp, err := a.svc.GetHotInstruments(ctx, helper.GetHotInstrumentsRequest{DaysOfVerboseData: 3})
			if err != nil {
				return "", err
			}
			emit(env, state.Card{Type: state.CardShowHotInstruments, Args: []any{resp}})
			groups := strings.Join([]string{
				describeHotGroup("conservative", resp.ConservativeHotInstruments),
				describeHotGroup("balanced", resp.BalancedHotInstruments),
				describeHotGroup("aggressive", resp.AggressiveHotInstruments),
			}, "\n")
			return "The UI to show currently popular (hot) instruments has been displayed.\n" +
				"Data window: last 3 days (UTC).\n" +
				"Groups: conservative | balanced | aggressive.\n\n" + groups, nil
		},
	}
}

type instrumentArgs struct {
	InstrumentID int64 `json:"instrumentId"`
}

func instrumentSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"instrumentId": map[string]any{"type": "number", "description": "the id of the instrument."},
		},
		"required": []string{"instrumentId"},
	}
}

type instrumentPoint struct {
	Timestamp string `json:"timestamp"`
	APY       string `json:"apy,omitempty"`
	TVL       string `json:"tvl,omitempty"`
}

type instrumentChart struct {
	Instrument helper.VerboseInstrument `json:"instrument"`
	Data       []instrumentPoint        `json:"data"`
}

func (a *AutoFi) instrumentChart(ctx context.Context, args json.RawMessage) (*instrumentChart, error) {
	var in instrumentArgs
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	resp, err := a.svc.GetInstrument(ctx, helper.GetInstrumentRequest{InstrumentID: in.InstrumentID, DaysOfVerboseData: 7})
	if err != nil {
		return nil, err
	}
	ins := resp.Instrument
	chart := &instrumentChart{Data: []instrumentPoint{}}
	for _, ts := range numericKeys(ins.VerboseInstrumentData) {
		d := ins.VerboseInstrumentData[ts]
		chart.Data = append(chart.Data, instrumentPoint{Timestamp: ts, APY: d.APY, TVL: d.SupplyAmountUSD})
	}
	ins.VerboseInstrumentData = map[string]helper.InstrumentData{}
	chart.Instrument = ins
	return chart, nil
}

func describeInstrument(ins helper.VerboseInstrument) string {
	return fmt.Sprintf("- id=%d, chain=%s, protocol=%s, strategy=%s, symbol=%s, asset=%s, curator=%s",
		ins.InstrumentID, ins.ChainID, ins.ProtocolName, ins.StrategyType, ins.Symbol, ins.UnderlyingAsset, ins.Curator)
}

func (a *AutoFi) ShowInstrumentApyChart() Tool {
	return Tool{
		Name:          "show_instrument_apy_chart",
		Description:   "use this to trigger UI to display the APY timing chart of the instrument.",
		Schema:        instrumentSchema(),
		FailurePrefix: "Show instrument apy chart failed.",
		Invoke: func(ctx context.Context, env Env, args json.RawMessage) (string, error) {
			chart, err := a.instrumentChart(ctx, args)
			if err != nil {
				return "", err
			}
			for i := range chart.Data {
				chart.Data[i].TVL = ""
			}
			emit(env, state.Card{Type: state.CardShowInstrumentApyChart, Args: []any{chart}})
			head, tail := headTail(chart.Data, 4, func(p instrumentPoint) string {
				return fmt.Sprintf("(%s, apy=%s)", p.Timestamp, p.APY)
			})
			return fmt.Sprintf("The UI to show the APY time-series of the selected instrument has been displayed.\n"+
				"Instrument:\n%s\n\n"+
				"Series:\n- points: %d, window: last 7 days (UTC), apy is string decimal.\n\n"+
				"Preview:\n  head: %s\n  tail: %s",
				describeInstrument(chart.Instrument), len(chart.Data), head, tail), nil
		},
	}
}

func (a *AutoFi) ShowInstrumentTvlChart() Tool {
	return Tool{
		Name:          "show_instrument_tvl_chart",
		Description:   "use this to trigger UI to display the TVL timing chart of the instrument.",
		Schema:        instrumentSchema(),
		FailurePrefix: "Show instrument tvl chart failed.",
		Invoke: func(ctx context.Context, env Env, args json.RawMessage) (string, error) {
			chart, err := a.instrumentChart(ctx, args)
			if err != nil {
				return "", err
			}
			for i := range chart.Data {
				chart.Data[i].APY = ""
			}
			emit(env, state.Card{Type: state.CardShowInstrumentTvlChart, Args: []any{chart}})
			head, tail := headTail(chart.Data, 4, func(p instrumentPoint) string {
				return fmt.Sprintf("(%s, tvl=%s)", p.Timestamp, p.TVL)
			})
			return fmt.Sprintf("The UI to show the TVL time-series of the selected instrument has been displayed.\n"+
				"Instrument:\n%s\n\n"+
				"Series (USD from supply_amount_usd):\n- points: %d, window: last 7 days (UTC)\n\n"+
				"Preview:\n  head: %s\n  tail: %s",
				describeInstrument(chart.Instrument), len(chart.Data), head, tail), nil
		},
	}
}

func describeAssets(assets map[string]helper.UserAsset, empty string) string {
	if len(assets) == 0 {
		return empty
	}
	keys := make([]string, 0, len(assets))
	for k := range assets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		as := assets[k]
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "  * [%d]\n", i+1)
		fmt.Fprintf(&b, "    asset key: %s\n", k)
		fmt.Fprintf(&b, "    name: %s\n", as.Symbol)
		fmt.Fprintf(&b, "    chain_id: %s\n", as.ChainID)
		fmt.Fprintf(&b, "    token address: %s\n", as.TokenAddress)
		fmt.Fprintf(&b, "    decimals: %d\n", as.Decimals)
		fmt.Fprintf(&b, "    price: %s\n", as.Price)
		fmt.Fprintf(&b, "    balance: %s\n", formatBalance(as.Balance, as.Decimals))
		fmt.Fprintf(&b, "    balance in USD: %s\n", as.ValueUSD)
		fmt.Fprintf(&b, "    supported in auto-fi: %t", as.Whitelisted)
	}
	return b.String()
}

func (a *AutoFi) ShowAssets() Tool {
	return Tool{
		Name:          "show_assets",
		Description:   "use this to trigger UI to help user show their assets.",
		Schema:        emptySchema(),
		FailurePrefix: "Show User Assets Failed.",
		Invoke: func(ctx context.Context, env Env, _ json.RawMessage) (string, error) {
			resp, err := a.svc.GetUserAssets(ctx, helper.GetUserAssetsRequest{UID: env.UserID, ForceUpdate: true})
			if err != nil {
				return "", err
			}
			emit(env, state.Card{Type: state.CardShowAssets, Args: []any{resp}})
			p := resp.Portfolio
			return fmt.Sprintf("The UI to show user assets has been display to the user.\n"+
				"The UI contains the following information:\n"+
				"- User Assets (%s)\n%s\n\n"+
				"- Smart Account Assets (%s)\n%s\n\n"+
				"- Smart Account Positions\n%s",
				p.UserAddress, describeAssets(p.UserAddressPortfolio, "  (The user currently has no assets)"),
				p.SmartAddress, describeAssets(p.SmartAddressPortfolio, "  (The smart account of user currently has no assets)"),
				IndentLines(listPositions(p.SmartAddressPosition), 2)), nil
		},
	}
}

type transferArgs struct {
	Amount *float64 `json:"amount,omitempty"`
	Name   string   `json:"name,omitempty"`
}

func transferSchema(verb string) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"amount": map[string]any{"type": "number", "description": fmt.Sprintf("the amount of the asset%s.", verb)},
			"name":   map[string]any{"type": "string", "enum": []string{"USDC"}, "description": fmt.Sprintf("the name of the asset%s.", verb)},
		},
	}
}

func transferText(kind string, in transferArgs) string {
	selection, amount := "", ""
	if in.Name != "" {
		selection = fmt.Sprintf(" (The current selection is '%s')", in.Name)
	}
	if in.Amount != nil && *in.Amount != 0 {
		amount = fmt.Sprintf(" (The current input amount is '%s')", formatFloat(*in.Amount))
	}
	return fmt.Sprintf("The UI to %s assets has been display to the user. Users need to continue operating and confirming on the front-end.\n"+
		"The UI contains the following information:\n"+
		"- Selection box containing asset names%s.\n"+
		"- Input box for asset amount%s.", kind, selection, amount)
}

func transferCardArgs(in transferArgs) []any {
	var amount, name any
	if in.Amount != nil {
		amount = *in.Amount
	}
	if in.Name != "" {
		name = in.Name
	}
	return []any{amount, name}
}

func (a *AutoFi) Deposit() Tool {
	return Tool{
		Name:          "deposit",
		Description:   "use this to trigger UI to help user deposit assets.",
		Schema:        transferSchema(""),
		FailurePrefix: "Deposit Failed.",
		Invoke: func(_ context.Context, env Env, args json.RawMessage) (string, error) {
			var in transferArgs
			if err := decode(args, &in); err != nil {
				return "", err
			}
			emit(env, state.Card{Type: state.CardDeposit, Args: transferCardArgs(in)})
			return transferText("deposit", in), nil
		},
	}
}

func (a *AutoFi) Withdraw() Tool {
	return Tool{
		Name:          "withdraw",
		Description:   "use this to trigger UI to help user withdraw assets.",
		Schema:        transferSchema(" to withdraw"),
		FailurePrefix: "Withdraw Failed.",
		Invoke: func(_ context.Context, env Env, args json.RawMessage) (string, error) {
			var in transferArgs
			if err := decode(args, &in); err != nil {
				return "", err
			}
			emit(env, state.Card{Type: state.CardWithdraw, Args: transferCardArgs(in)})
			return transferText("withdraw", in), nil
		},
	}
}

func (a *AutoFi) ShowStrategy() Tool {
	return Tool{
		Name:          "show_strategy",
		Description:   "Use this to trigger UI when the user wants to show strategy explicitly.",
		Schema:        emptySchema(),
		FailurePrefix: "Show Strategy Failed.",
		Invoke: func(ctx context.Context, env Env, _ json.RawMessage) (string, error) {
			resp, err := a.svc.GetUserStrategy(ctx, helper.GetUserStrategyRequest{UID: env.UserID})
			if err != nil {
				return "", err
			}
			emit(env, state.Card{Type: state.CardShowStrategy, Args: []any{resp.Mandate}})
			return fmt.Sprintf("The UI to show current auto-fi strategy has been display to the user.\n"+
				"The UI contains the following information:\n"+
				"- User current strategy: %s\n"+
				"- User next strategy about to take effect: %s\n\n"+
				"This UI only displays current auto-fi strategy of user and does not have the function to change the strategy. (change strategy is another tool)",
				StrategyName(resp.Mandate.CurrentStrategy), StrategyName(resp.Mandate.NextStrategy)), nil
		},
	}
}

const strategyOptions = "- 0: disable\n- 1: conservative\n- 2: balanced (not supported)\n- 3: aggressive (not supported)"

// SmartAccountValue parses the total smart account value in USD.
func SmartAccountValue(p helper.Portfolio) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(p.SmartAddressTotalValueUSD), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid smart account value %q: %w", p.SmartAddressTotalValueUSD, err)
	}
	return v, nil
}

func (a *AutoFi) ChangeStrategy() Tool {
	return Tool{
		Name:        "change_strategy",
		Description: "Use this to trigger UI when the user wants to change strategy explicitly.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"newStrategy": map[string]any{
					"type":        "string",
					"enum":        []string{"0", "1", "2", "3"},
					"description": "The new strategy user want to change.\nAuto-fi strategy contains following options:\n" + strategyOptions,
				},
			},
		},
		FailurePrefix: "Change Strategy Failed.",
		Invoke: func(ctx context.Context, env Env, args json.RawMessage) (string, error) {
			var in struct {
				NewStrategy string `json:"newStrategy,omitempty"`
			}
			if err := decode(args, &in); err != nil {
				return "", err
			}
			assets, err := a.svc.GetUserAssets(ctx, helper.GetUserAssetsRequest{UID: env.UserID, ForceUpdate: true})
			if err != nil {
				return "", err
			}
			value, err := SmartAccountValue(assets.Portfolio)
			if err != nil {
				return "", err
			}
			if value <= StrategyThresholdUSD {
				return fmt.Sprintf("Failed to display the UI to change autofi strategy to the user. "+
					"Unable to process user request to change strategy, because the assets in the smart account of the user are less than or equal to the threshold of $1.00. "+
					"The current assets of smart account are $%s.", assets.Portfolio.SmartAddressTotalValueUSD), nil
			}
			strategy, err := a.svc.GetUserStrategy(ctx, helper.GetUserStrategyRequest{UID: env.UserID})
			if err != nil {
				return "", err
			}
			var next any
			if in.NewStrategy != "" {
				next = in.NewStrategy
			}
			emit(env, state.Card{Type: state.CardChangeStrategy, Args: []any{strategy.Mandate, next}})
			return "The UI to change autofi strategy has been display to the user.\n" +
				"The UI includes these strategy options:\n" + strategyOptions, nil
		},
	}
}
