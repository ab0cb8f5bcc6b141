package models

// BrokerCredentials identify a tenant's brokerage account. Rotated by the
// user; read-only from the engine's perspective.
type BrokerCredentials struct {
	Provider  string `json:"provider"`
	APIKey    string `json:"api_key"`
	AccountID string `json:"account_id"`
	Sandbox   bool   `json:"sandbox"`
}

// TenantRiskSettings is the per-tenant configuration consulted by the engine
// and by position creation.
type TenantRiskSettings struct {
	TenantID         string            `json:"tenant_id"`
	AccountSize      float64           `json:"account_size"`
	MaxOpenPositions int               `json:"max_open_positions"`
	MaxExposure      float64           `json:"max_exposure"`
	DailyLossLimit   float64           `json:"daily_loss_limit"`
	DefaultStopPct   float64           `json:"default_stop_pct"`
	DefaultTargetPct float64           `json:"default_target_pct"`
	Broker           BrokerCredentials `json:"broker"`
}

// DailyLossBreached reports whether realized losses for the day already
// breach the configured limit. A zero limit disables the breaker.
func (s *TenantRiskSettings) DailyLossBreached(realizedToday float64) bool {
	if s == nil || s.DailyLossLimit <= 0 {
		return false
	}
	return realizedToday <= -s.DailyLossLimit
}
