package utils

import "discord-archiver/config"

// Auth provides methods for authorization checks.
type Auth struct {
	operatorID int64
}

// NewAuth creates an Auth for the configured operator.
func NewAuth(cfg config.BotConfig) *Auth {
	return &Auth{operatorID: cfg.OperatorID}
}

// IsOperator checks if a user may control the bot. No one may when the operator id is unset.
func (a *Auth) IsOperator(userID int64) bool {
	return a.operatorID != 0 && userID == a.operatorID
}
