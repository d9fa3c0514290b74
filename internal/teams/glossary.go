package teams

// Glossary disambiguates the domain nouns for every prompt that routes or
// replies.
const Glossary = `Glossary:
Asset: A fungible token balance owned by the user (e.g., USDC) in user wallet or smart account. It is not a position. Shown via show_assets/deposit/withdraw.
Position: A live investment holding inside an instrument (strategy/vault/pool). Has PNL/ROE, instrument_id, shares, asset_amount. Shown via show_user_positions and its charts.
Project: The current platform/protocol as a whole (Aegis Agents). Global KPIs like project TVL, project APY. Shown via show_project_tvl_chart/show_project_apy_chart.
Instrument: A single yield product/market within a protocol (by instrument_id) like "morpho"/"aave", with its own APY/TVL time-series. Shown via show_instrument_apy_chart/show_instrument_tvl_chart and hot-instruments list.`

// ProjectIntro opens every user-facing prompt.
const ProjectIntro = "You serve in the Aegis Agents project, which is an AI driven automation investment service (Auto-Fi) for users."
