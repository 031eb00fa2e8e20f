package domain

// MarketPhase is the lifecycle state of one market pair, owned by the
// orchestrator. SHUTDOWN is terminal for that market only.
type MarketPhase string

const (
	PhaseInitializing      MarketPhase = "INITIALIZING"
	PhaseMonitoring        MarketPhase = "MONITORING"
	PhaseOpportunityLocked MarketPhase = "OPPORTUNITY_LOCKED"
	PhaseExecuting         MarketPhase = "EXECUTING"
	PhaseCooldown          MarketPhase = "COOLDOWN"
	PhaseShutdown          MarketPhase = "SHUTDOWN"
)

// Terminal reports whether the phase admits no further transitions.
func (p MarketPhase) Terminal() bool { return p == PhaseShutdown }
