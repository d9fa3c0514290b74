package helper

// Subject is a helper service routing key.
type Subject string

const (
	SubjectGetUserAssets            Subject = "helper_ingress.user.get_assets"
	SubjectGetInstruments           Subject = "helper_ingress.instrument.get_instruments"
	SubjectGetUserPositions         Subject = "helper_ingress.user.get_positions"
	SubjectGetUserStrategy          Subject = "helper_ingress.user.get_strategy"
	SubjectGetUser                  Subject = "helper_ingress.user.get_user"
	SubjectUpdateUserStrategy       Subject = "helper_ingress.user.update_strategy"
	SubjectWithdraw                 Subject = "helper_ingress.user.withdraw"
	SubjectGetUserPositionChartData Subject = "helper_ingress.user.get_position_verbose_time_data"
	SubjectGetGlobalInfo            Subject = "helper_ingress.global.global_info"
	SubjectGetHotInstruments        Subject = "helper_ingress.instrument.hot_instruments"
	SubjectGetInstrument            Subject = "helper_ingress.instrument.get_instrument"

	// PositionChangedPattern matches position change notifications.
	PositionChangedPattern = "helper_egress.position_changed.*"
)

// RequestHeader is embedded by every request.
type RequestHeader struct {
	ReqID string `json:"req_id"`
}

func (h *RequestHeader) setReqID(id string) { h.ReqID = id }

// ResponseHeader is embedded by every response.
type ResponseHeader struct {
	ReqID string `json:"req_id,omitempty"`
	Error string `json:"error,omitempty"`
}

type GetUserAssetsRequest struct {
	RequestHeader
	UID         string `json:"uid"`
	ForceUpdate bool   `json:"force_update,omitempty"`
}

type UserAsset struct {
	ChainID      string `json:"chain_id"`
	TokenAddress string `json:"token_address"`
	Whitelisted  bool   `json:"whitelisted"`
	Symbol       string `json:"symbol"`
	Decimals     int    `json:"decimals"`
	Balance      string `json:"balance"`
	Price        string `json:"price"`
	ValueUSD     string `json:"value_usd"`
}

type Portfolio struct {
	UID                           string               `json:"uid"`
	UserAddress                   string               `json:"user_address"`
	UserAddressPortfolio          map[string]UserAsset `json:"user_address_portfolio"`
	SmartAddress                  string               `json:"smart_address"`
	SmartAddressPortfolio         map[string]UserAsset `json:"smart_address_portfolio"`
	SmartAddressPortfolioValueUSD string               `json:"smart_address_portfolio_value_usd"`
	SmartAddressPosition          []Position           `json:"smart_address_position"`
	SmartAddressPositionValueUSD  string               `json:"smart_address_position_value_usd"`
	SmartAddressTotalValueUSD     string               `json:"smart_address_total_value_usd"`
	BaseTokenPrice                string               `json:"base_token_price"`
	UpdateAt                      int64                `json:"update_at"`
}

type GetUserAssetsResponse struct {
	ResponseHeader
	Portfolio Portfolio `json:"portfolio"`
}

type GetInstrumentsRequest struct {
	RequestHeader
	ChainIDs         []string `json:"chain_ids,omitempty"`
	InstrumentIDs    []string `json:"instrument_ids,omitempty"`
	ProtocolName     string   `json:"protocol_name,omitempty"`
	UnderlyingAssets []string `json:"underlying_assets,omitempty"`
	WithData         bool     `json:"with_data,omitempty"`
}

type InstrumentSample struct {
	HourlyTimestamp int64  `json:"hourly_timestamp"`
	APY             string `json:"apy"`
	SupplyAmount    string `json:"supply_amount"`
	SupplyAmountUSD string `json:"supply_amount_usd"`
	BorrowAmount    string `json:"borrow_amount"`
	Utilization     string `json:"utilization"`
}

type Instrument struct {
	InstrumentID        string             `json:"instrument_id"`
	ChainID             string             `json:"chain_id"`
	ProtocolName        string             `json:"protocol_name"`
	StrategyType        string             `json:"strategy_type"`
	UnderlyingAsset     string             `json:"underlying_asset"`
	Symbol              string             `json:"symbol"`
	Curator             string             `json:"curator"`
	IsERC4626           bool               `json:"is_erc4626"`
	ERC4626VaultAddress string             `json:"erc4626_vault_address"`
	PoolAddress         string             `json:"pool_address"`
	UpdateAt            int64              `json:"update_at"`
	InstrumentData      []InstrumentSample `json:"instrument_data,omitempty"`
}

type GetInstrumentsResponse struct {
	ResponseHeader
	Instruments []Instrument `json:"instruments"`
}

type GetUserPositionsRequest struct {
	RequestHeader
	UID                     string `json:"uid"`
	WithRelativeInstruments bool   `json:"with_relative_instruments,omitempty"`
}

type PositionMeta struct {
	ID             int64  `json:"id"`
	ChainID        string `json:"chain_id"`
	InstrumentID   int64  `json:"instrument_id"`
	InstrumentType string `json:"instrument_type"`
	SmartAddress   string `json:"smart_address"`
	Asset          string `json:"asset"`
	Active         bool   `json:"active"`
}

type PositionData struct {
	ChainID         string `json:"chain_id"`
	InstrumentID    int64  `json:"instrument_id"`
	InstrumentType  string `json:"instrument_type"`
	DailyTimestamp  int64  `json:"daily_timestamp"`
	HourlyTimestamp int64  `json:"hourly_timestamp"`
	SmartAddress    string `json:"smart_address"`
	Asset           string `json:"asset"`
	AssetAmount     string `json:"asset_amount"`
	AssetAmountUSD  string `json:"asset_amount_usd"`
	Shares          string `json:"shares"`
	PnlUSD          string `json:"pnl_usd"`
	RoeUSD          string `json:"roe_usd"`
	Timestamp       int64  `json:"timestamp"`
}

type Position struct {
	PositionMeta PositionMeta `json:"position_meta"`
	PositionData PositionData `json:"position_data"`
}

type GetUserPositionsResponse struct {
	ResponseHeader
	Positions   []Position   `json:"positions"`
	Instruments []Instrument `json:"instruments,omitempty"`
}

type GetUserStrategyRequest struct {
	RequestHeader
	UID string `json:"uid"`
}

type Mandate struct {
	UID             string `json:"uid"`
	CurrentStrategy string `json:"current_strategy"`
	NextStrategy    string `json:"next_strategy"`
}

type GetUserStrategyResponse struct {
	ResponseHeader
	Mandate Mandate `json:"mandate"`
}

type GetUserRequest struct {
	RequestHeader
	UID string `json:"uid"`
}

type AegisUser struct {
	UID          string `json:"uid"`
	UserAddress  string `json:"user_address"`
	AgentAddress string `json:"agent_address"`
	SmartAddress string `json:"smart_address"`
}

type GetUserResponse struct {
	ResponseHeader
	AegisUser AegisUser `json:"aegis_user"`
}

// UpdateUserStrategyRequest strategy values: 0 disable, 1 conservative,
// 2 balanced, 3 aggressive.
type UpdateUserStrategyRequest struct {
	RequestHeader
	UID                   string `json:"uid"`
	Strategy              string `json:"strategy"`
	ImmediatelyScheduling bool   `json:"immediately_scheduling,omitempty"`
	Signature             string `json:"signature"`
}

type UpdateUserStrategyResponse struct {
	ResponseHeader
	Changed bool    `json:"changed"`
	Mandate Mandate `json:"mandate"`
}

type PositionChanged struct {
	ReqID                   string       `json:"req_id"`
	UID                     string       `json:"uid"`
	TransactionType         string       `json:"transaction_type"`
	TransactionHash         string       `json:"transaction_hash"`
	ExplorerURI             string       `json:"explorer_uri"`
	InstrumentOfTransaction PositionMeta `json:"instrument_of_transaction"`
	UserPositionsLeft       []Position   `json:"user_positions_left,omitempty"`
	Timestamp               int64        `json:"timestamp"`
}

type WithdrawRequest struct {
	RequestHeader
	ChainID      string `json:"chain_id"`
	UID          string `json:"uid"`
	TokenAddress string `json:"token_address"`
	TokenAmount  string `json:"token_amount"`
	Nonce        string `json:"nonce"`
	Signature    string `json:"signature"`
}

type WithdrawResponse struct {
	ResponseHeader
	TransactionHash      string `json:"transaction_hash,omitempty"`
	ActualWithdrawAmount string `json:"actual_withdraw_amount,omitempty"`
}

type InstrumentMeta struct {
	ChainID             string `json:"chain_id"`
	StrategyType        string `json:"strategy_type"`
	ProtocolName        string `json:"protocol_name"`
	InstrumentType      string `json:"instrument_type"`
	InstrumentName      string `json:"instrument_name"`
	PoolAddress         string `json:"pool_address"`
	IsERC4626           bool   `json:"is_erc4626"`
	ERC4626VaultAddress string `json:"erc4626_vault_address"`
	UnderlyingAsset     string `json:"underlying_asset"`
	Symbol              string `json:"symbol"`
	Curator             string `json:"curator"`
}

type InstrumentData struct {
	ChainID         string `json:"chain_id"`
	InstrumentID    int64  `json:"instrument_id"`
	DailyTimestamp  int64  `json:"daily_timestamp"`
	HourlyTimestamp int64  `json:"hourly_timestamp"`
	APY             string `json:"apy"`
	DailyAPY        string `json:"daily_apy"`
	WeeklyAPY       string `json:"weekly_apy"`
	MonthlyAPY      string `json:"monthly_apy"`
	SupplyAmount    string `json:"supply_amount"`
	SupplyAmountUSD string `json:"supply_amount_usd"`
	BorrowAmount    string `json:"borrow_amount"`
	Utilization     string `json:"utilization"`
	Timestamp       int64  `json:"timestamp"`
}

type GetUserPositionChartDataRequest struct {
	RequestHeader
	UID               string `json:"uid"`
	InstrumentID      int64  `json:"instrument_id"`
	DaysOfVerboseData int    `json:"days_of_verbose_data,omitempty"`
}

// GetUserPositionChartDataResponse keys VerboseTimePositionData by unix
// seconds rendered as a string.
type GetUserPositionChartDataResponse struct {
	ResponseHeader
	InstrumentMeta          InstrumentMeta          `json:"instrument_meta"`
	InstrumentData          InstrumentData          `json:"instrument_data"`
	PositionMeta            PositionMeta            `json:"position_meta"`
	VerboseTimePositionData map[string]PositionData `json:"verbose_time_position_data"`
}

type GetGlobalInfoRequest struct {
	RequestHeader
	DaysOfVerboseData int `json:"days_of_verbose_data,omitempty"`
}

type GlobalInfo struct {
	ID              string  `json:"id"`
	TvlUSD          float64 `json:"tvl_usd"`
	UserCount       int64   `json:"user_count"`
	ConservativeAPY string  `json:"conservative_apy"`
	BalancedAPY     string  `json:"balanced_apy"`
	AggressiveAPY   string  `json:"aggressive_apy"`
	HourlyTimestamp int64   `json:"hourly_timestamp"`
}

type GetGlobalInfoResponse struct {
	ResponseHeader
	GlobalInfos map[string]GlobalInfo `json:"global_infos"`
}

type GetHotInstrumentsRequest struct {
	RequestHeader
	DaysOfVerboseData int `json:"days_of_verbose_data,omitempty"`
}

type VerboseInstrument struct {
	InstrumentID          int64                     `json:"instrument_id"`
	ChainID               string                    `json:"chain_id"`
	ProtocolName          string                    `json:"protocol_name"`
	StrategyType          string                    `json:"strategy_type"`
	UnderlyingAsset       string                    `json:"underlying_asset"`
	Symbol                string                    `json:"symbol"`
	Curator               string                    `json:"curator"`
	IsERC4626             bool                      `json:"is_erc4626"`
	ERC4626VaultAddress   string                    `json:"erc4626_vault_address"`
	PoolAddress           string                    `json:"pool_address"`
	VerboseInstrumentData map[string]InstrumentData `json:"verbose_instrument_data"`
}

type GetHotInstrumentsResponse struct {
	ResponseHeader
	ConservativeHotInstruments []VerboseInstrument `json:"conservative_hot_instruments"`
	BalancedHotInstruments     []VerboseInstrument `json:"balanced_hot_instruments"`
	AggressiveHotInstruments   []VerboseInstrument `json:"aggressive_hot_instruments"`
}

type GetInstrumentRequest struct {
	RequestHeader
	InstrumentID      int64 `json:"instrument_id"`
	DaysOfVerboseData int   `json:"days_of_verbose_data,omitempty"`
}

type GetInstrumentResponse struct {
	ResponseHeader
	Instrument VerboseInstrument `json:"instrument"`
}
